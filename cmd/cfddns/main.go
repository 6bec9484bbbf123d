package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootOpts = struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	DryRun     bool
}{}

var rootCmd = &cobra.Command{
	Use:           "cfddns",
	Short:         "Keep Cloudflare address records pointed at this host's public IP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.ConfigPath, "config", "c", "", "path to the config file (default $CFDDNS_CONFIG or cfddns.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootOpts.LogLevel, "log-level", "", "log level (panic, fatal, error, warn, info, debug, trace); overrides log.level")
	rootCmd.PersistentFlags().StringVar(&rootOpts.LogFile, "log-file", "", "log file path or \"console\"; overrides log.file")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.DryRun, "dry-run", false, "decide what to update without changing anything")

	rootCmd.AddCommand(runCmd, updateCmd, statusCmd, historyCmd, setupCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
