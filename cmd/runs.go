package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metrics-cli/internal/audit"
	"github.com/sells-group/metrics-cli/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing runs recorded in the audit store.",
}

// openHistory opens the audit store without the lock or any step dependencies.
func openHistory(ctx context.Context) (audit.Reader, func(), error) {
	if err := cfg.Validate("runs"); err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver == "none" {
		return nil, nil, eris.New("store.driver is none; no run history is kept")
	}
	closeAll := func() {}
	var st auditStore
	if cfg.Store.Driver == "postgres" {
		pool, err := initPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		closeAll = pool.Close
		st, _, err = initStore(ctx, pool)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		return st, closeAll, nil
	}
	st, closeStore, err := initStore(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return st, closeStore, nil
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		hist, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		step, _ := cmd.Flags().GetString("step")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := hist.List(ctx, audit.Filter{Step: step, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatEntries(os.Stdout, entries)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show every audit entry of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		hist, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := hist.List(ctx, audit.Filter{RunID: args[0]})
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if len(entries) == 0 {
			return eris.Errorf("run %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		hist, closeFn, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		since, _ := cmd.Flags().GetDuration("since")
		entries, err := hist.List(ctx, audit.Filter{Step: pipeline.AggregateStep, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatRunStats(os.Stdout, computeRunStats(entries, cutoff))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("step", "", "filter by step name (pipeline for run totals)")
	runsListCmd.Flags().Int("limit", 50, "max number of entries to display")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics over run-level audit entries.
type runStats struct {
	Total      int
	OK         int
	Failed     int
	Aborted    int
	AvgDurSecs float64
}

// computeRunStats summarizes aggregate entries logged at or after cutoff. An error entry
// carrying a lock error is a run aborted before any step executed.
func computeRunStats(entries []audit.Entry, cutoff time.Time) runStats {
	var s runStats
	var totalDur float64
	var durCount int

	for _, e := range entries {
		if e.Step != pipeline.AggregateStep || e.LoggedAt.Before(cutoff) {
			continue
		}
		s.Total++
		switch {
		case e.Status == audit.StatusOK:
			s.OK++
		case strings.HasPrefix(e.Error, "lock:"):
			s.Aborted++
			continue
		default:
			s.Failed++
		}
		totalDur += e.ElapsedSeconds
		durCount++
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur / float64(durCount)
	}
	return s
}

// formatEntries writes a tabular list of audit entries to out.
func formatEntries(out io.Writer, entries []audit.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTEP\tSTATUS\tROWS_IN\tROWS_OUT\tELAPSED\tLOGGED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t-------\t--------\t-------\t------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.1fs\t%s\t%s\n",
			truncateID(e.RunID),
			e.Step,
			e.Status,
			e.RowsIn,
			e.RowsOut,
			e.ElapsedSeconds,
			e.LoggedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to out.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "OK:\t%d\n", s.OK)
	_, _ = fmt.Fprintf(w, "Partial failure:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Aborted:\t%d\n", s.Aborted)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
