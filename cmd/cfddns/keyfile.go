package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const setupHint = "run \"cfddns setup\" to create it"

func defaultKeyFile() string {
	return filepath.Join(os.Getenv("HOME"), ".cloudflare")
}

// readKey returns the API token on the first line of the key file.
func readKey(path string) (string, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	first, _, _ := strings.Cut(string(bs), "\n")
	key := strings.TrimSpace(first)
	if key == "" {
		return "", fmt.Errorf("key file %q has no token on its first line; %s", path, setupHint)
	}
	return key, nil
}

// verifyPermissions rejects key files readable by anyone but the owner.
// Read-only 0400 files, as mounted by secret managers, are accepted too.
func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("key file %q does not exist; %s", path, setupHint)
	}
	if err != nil {
		return fmt.Errorf("checking key file: %w", err)
	}
	switch perm := info.Mode().Perm(); perm {
	case 0o600, 0o400:
		return nil
	default:
		return fmt.Errorf("key file %q has mode %s, want %s; fix it with \"chmod 600 %s\"", path, perm, fs.FileMode(0o600), path)
	}
}
