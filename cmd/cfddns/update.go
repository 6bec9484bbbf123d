package main

import (
	"fmt"
	"io"
	"net/netip"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Travis-Britz/cfddns"
)

var updateOpts = struct {
	IP      string
	Records []string
}{}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one update pass for every target and exit",
	Long: `Run one update pass for every target and exit.

With --ip the given address is used instead of discovering the public address;
it applies to targets of the matching record type only.`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&updateOpts.IP, "ip", "", "set this address instead of discovering the public IP")
	updateCmd.Flags().StringSliceVarP(&updateOpts.Records, "record", "r", nil, "only update these record names (repeatable)")
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var extra []cfddns.Option
	if updateOpts.IP != "" {
		static, err := cfddns.FromString(updateOpts.IP)
		if err != nil {
			return fmt.Errorf("--ip: %w", err)
		}
		if netip.MustParseAddr(updateOpts.IP).Unmap().Is4() {
			extra = append(extra, cfddns.UsingResolver(static))
		} else {
			extra = append(extra, cfddns.UsingIPv6Resolver(static))
		}
	}

	a, err := newApp(cmd.Context(), cfg, extra...)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	defer a.Close()

	targets, err := filterTargets(a.targets, updateOpts.Records)
	if err != nil {
		return err
	}
	if updateOpts.IP != "" {
		targets = matchingFamily(targets, netip.MustParseAddr(updateOpts.IP).Unmap())
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tTYPE\tRESULT\tADDRESS\tDETAIL")
	err = a.tickAll(cmd.Context(), targets, func(res cfddns.TickResult) { printResult(w, res) })
	if ferr := w.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func matchingFamily(targets []cfddns.Target, addr netip.Addr) []cfddns.Target {
	want := cfddns.IPv4
	if !addr.Is4() {
		want = cfddns.IPv6
	}
	var out []cfddns.Target
	for _, t := range targets {
		if cfddns.FamilyOf(t.RecordType) == want {
			out = append(out, t)
		}
	}
	return out
}

func printResult(w io.Writer, res cfddns.TickResult) {
	result := res.State.String()
	if res.DryRun {
		result = "would_update"
	}
	addr := "-"
	if res.Addr.IsValid() {
		addr = res.Addr.String()
	}
	detail := res.Reason
	if res.Previous.IsValid() && res.Reason != "" {
		detail = fmt.Sprintf("%s, was %s", res.Reason, res.Previous)
	}
	if res.Err != nil {
		detail = res.Err.Error()
	}
	if detail == "" {
		detail = "-"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Target.RecordName, res.Target.RecordType, result, addr, detail)
}
