package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last confirmed address of every target",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	targets, err := cfg.AllTargets()
	if err != nil {
		return err
	}
	st, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tTYPE\tADDRESS\tUPDATED")
	for _, t := range targets {
		entry, found, err := st.cache.Read(cmd.Context(), t.Key())
		switch {
		case err != nil:
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.RecordName, t.RecordType, "error", err)
		case !found:
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.RecordName, t.RecordType, "-", "never")
		default:
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.RecordName, t.RecordType, entry.Addr, entry.UpdatedAt.Local().Format(time.RFC3339))
		}
	}
	return w.Flush()
}
