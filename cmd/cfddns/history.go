package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyOpts = struct {
	Records []string
	Limit   int
}{}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show applied address changes, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringSliceVarP(&historyOpts.Records, "record", "r", nil, "only show these record names (repeatable)")
	historyCmd.Flags().IntVarP(&historyOpts.Limit, "limit", "n", 0, "show only the last n changes")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	st, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.history.Records(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	if len(historyOpts.Records) > 0 {
		want := make(map[string]bool)
		for _, r := range historyOpts.Records {
			want[r] = true
		}
		filtered := records[:0]
		for _, r := range records {
			if want[r.RecordName] {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if historyOpts.Limit > 0 && len(records) > historyOpts.Limit {
		records = records[len(records)-historyOpts.Limit:]
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANGED\tRECORD\tPREVIOUS\tNEW")
	for _, r := range records {
		prev := "-"
		if r.PreviousAddress != nil {
			prev = *r.PreviousAddress
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ChangedAt.Local().Format(time.RFC3339), r.RecordName, prev, r.NewAddress)
	}
	return w.Flush()
}
