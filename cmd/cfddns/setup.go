package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Travis-Britz/cfddns/internal/config"
)

var setupOpts = struct {
	KeyFile string
}{}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Verify a Cloudflare API token and store it in the key file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSetup(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), setupKeyFile(), verifyToken)
	},
}

func init() {
	setupCmd.Flags().StringVarP(&setupOpts.KeyFile, "key-file", "k", "", "path of the key file to create (default key_file from the config, or ~/.cloudflare)")
}

// setupKeyFile picks --key-file, then key_file from a readable config, then the default.
func setupKeyFile() string {
	if setupOpts.KeyFile != "" {
		return setupOpts.KeyFile
	}
	if data, err := os.ReadFile(config.Path(rootOpts.ConfigPath)); err == nil {
		if cfg, err := config.Parse(data); err == nil && cfg.KeyFile != "" {
			return cfg.KeyFile
		}
	}
	return defaultKeyFile()
}

type tokenVerifier func(ctx context.Context, token string) error

func verifyToken(ctx context.Context, token string) error {
	api, err := cloudflare.NewWithAPIToken(token)
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}
	result, err := api.VerifyAPIToken(ctx)
	if err != nil {
		return fmt.Errorf("unable to verify api token: %w", err)
	}
	if result.Status != "active" {
		return fmt.Errorf("expected api token status to be \"active\"; got \"%s\"", result.Status)
	}
	return nil
}

func runSetup(ctx context.Context, in io.Reader, out io.Writer, keyFile string, verify tokenVerifier) error {
	log.Debugf("running setup")
	if _, err := os.Stat(keyFile); err == nil {
		return fmt.Errorf("key file \"%s\" already exists; remove it first to replace the token", keyFile)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking key file: %w", err)
	}

	fmt.Fprintf(out, "Enter Cloudflare API Token: \n")
	key, err := readSecret(in)
	if err != nil {
		return fmt.Errorf("runSetup: error reading from stdin: %w", err)
	}
	if key == "" {
		return errors.New("runSetup: empty token")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	log.Infof("verifying token...")
	if err := verify(ctx, key); err != nil {
		return err
	}
	log.Infof("token verified successfully")

	log.Infof("creating key file at \"%s\"", keyFile)
	f, err := os.OpenFile(keyFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("unable to create \"%s\": %w", keyFile, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, key); err != nil {
		return fmt.Errorf("writing \"%s\": %w", keyFile, err)
	}
	fmt.Fprintf(out, "token written to \"%s\"\n", keyFile)
	return nil
}

// readSecret reads without echo from a terminal, or a single line from any other reader.
func readSecret(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
