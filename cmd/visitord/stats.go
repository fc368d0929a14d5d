package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/roniherschmann/go-visitors/internal/fingerprint"
	"github.com/roniherschmann/go-visitors/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the current visitor counters",
	RunE:  runStats,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Show the fingerprint of a client and when it was first seen",
	RunE:  runLookup,
}

func init() {
	statsCmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	lookupCmd.Flags().String("ip", "", "Client IP address")
	lookupCmd.Flags().String("ua", "", "Client user agent")
}

// visitCounter is implemented by stores that can count visit log rows.
type visitCounter interface {
	CountVisits(ctx context.Context) (int64, error)
}

type statsReport struct {
	store.Snapshot
	LoggedVisits *int64 `json:"logged_visits,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.ReadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	report := statsReport{Snapshot: snap}
	if vc, ok := b.(visitCounter); ok {
		n, err := vc.CountVisits(ctx)
		if err != nil {
			return fmt.Errorf("count visits: %w", err)
		}
		report.LoggedVisits = &n
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderStats(cmd.OutOrStdout(), cfg.Store, report, time.Now())
	return nil
}

func renderStats(w io.Writer, backend string, r statsReport, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Visitors (" + backend + ")")
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter

	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Unique visitors", humanize.Comma(r.TotalUniqueVisitors)})
	t.AppendRow(table.Row{"Page views", humanize.Comma(r.TotalPageViews)})
	t.AppendRow(table.Row{"Views per visitor", viewsPerVisitor(r.Snapshot)})
	if r.LoggedVisits != nil {
		t.AppendRow(table.Row{"Logged visits", humanize.Comma(*r.LoggedVisits)})
	}
	t.AppendRow(table.Row{"Last updated", fmt.Sprintf("%s (%s)",
		r.LastUpdated.UTC().Format(time.RFC3339),
		humanize.RelTime(r.LastUpdated, now, "ago", "from now"))})
	t.Render()
}

func viewsPerVisitor(s store.Snapshot) string {
	if s.TotalUniqueVisitors == 0 {
		return "-"
	}
	return humanize.FormatFloat("#,###.##", float64(s.TotalPageViews)/float64(s.TotalUniqueVisitors))
}

func runLookup(cmd *cobra.Command, args []string) error {
	ip, _ := cmd.Flags().GetString("ip")
	ua, _ := cmd.Flags().GetString("ua")
	fp := fingerprint.Derive(fingerprint.Source{RemoteAddr: ip, UserAgent: ua})

	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	seen, ok, err := b.FirstSeen(ctx, fp.Hash)
	if err != nil {
		return fmt.Errorf("first seen: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "address:    %s\n", fp.Address)
	fmt.Fprintf(out, "user agent: %s\n", fp.UserAgent)
	fmt.Fprintf(out, "hash:       %s\n", fp.Hash)
	if !ok {
		fmt.Fprintln(out, "first seen: never")
		return nil
	}
	fmt.Fprintf(out, "first seen: %s (%s)\n", seen.UTC().Format(time.RFC3339), humanize.Time(seen))
	return nil
}
