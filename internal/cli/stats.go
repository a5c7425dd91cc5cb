package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/fixall/internal/analytics"
	"github.com/lucasnoah/fixall/internal/pipeline"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Longitudinal statistics from the metrics record",
	Long: `Summarizes runs/metrics.jsonl: outcome mix, confidence bands, stage
durations, revision rounds, skip classifications and weekly throughput.

--since takes a date (2025-01-31), a timestamp, or a duration (168h).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := analytics.ParseSince(sinceFlag, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}

		records, err := pipeline.NewStore(cfg.RunsDir).ReadMetrics()
		if err != nil {
			return fmt.Errorf("read metrics: %w", err)
		}
		report := analytics.Compute(records, since, analytics.Bands{
			Low:  cfg.Policy.LowConfidence,
			High: cfg.Policy.HighConfidence,
		})

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, report)
		}
		printStats(cmd.OutOrStdout(), report)
		return nil
	},
}

func printStats(w io.Writer, r *analytics.Report) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	if r.Since != "" {
		fmt.Fprintf(w, "Since %s\n\n", r.Since)
	}
	fmt.Fprintf(w, "Runs: %d  completed %.1f%%  avg confidence %.2f  manual review %d\n",
		r.Total, r.CompletionRate, r.AvgConfidence, r.ManualReview)
	for _, o := range []pipeline.Outcome{pipeline.OutcomeCompleted, pipeline.OutcomeSkipped, pipeline.OutcomeBlocked, pipeline.OutcomeFailed} {
		fmt.Fprintf(w, "  %-10s %d\n", o, r.Outcomes[o])
	}
	fmt.Fprintf(w, "Confidence bands: low %d  mid %d  high %d\n", r.ConfidenceBands.Low, r.ConfidenceBands.Mid, r.ConfidenceBands.High)
	fmt.Fprintf(w, "Cost: total $%.2f  avg $%.2f\n", r.TotalCostUSD, r.AvgCostUSD)

	if len(r.Stages) > 0 {
		fmt.Fprintf(w, "\n%-10s %6s %8s %8s %8s\n", "STAGE", "RUNS", "AVG(s)", "P50(s)", "P95(s)")
		for _, s := range r.Stages {
			fmt.Fprintf(w, "%-10s %6d %8.1f %8.1f %8.1f\n", s.Stage, s.Count, s.Avg, s.P50, s.P95)
		}
	}

	if r.Revisions.Total > 0 {
		fmt.Fprintf(w, "\nRevisions (%d reviewed): 0 rounds %.1f%%  1 round %.1f%%  2+ rounds %.1f%%  avg %.2f\n",
			r.Revisions.Total, r.Revisions.Zero, r.Revisions.One, r.Revisions.TwoPlus, r.Revisions.AvgRounds)
	}

	if len(r.SkipReasons) > 0 {
		fmt.Fprintln(w, "\nSkipped by classification:")
		for _, c := range r.SkipReasons {
			fmt.Fprintf(w, "  %-20s %d\n", c.Label, c.N)
		}
	}

	if len(r.Weekly) > 0 {
		fmt.Fprintf(w, "\n%-9s %5s %9s %7s %7s %6s\n", "WEEK", "RUNS", "COMPLETED", "SKIPPED", "BLOCKED", "FAILED")
		for _, tp := range r.Weekly {
			fmt.Fprintf(w, "%-9s %5d %9d %7d %7d %6d\n", tp.Period, tp.Runs, tp.Completed, tp.Skipped, tp.Blocked, tp.Failed)
		}
	}
}

func init() {
	statsCmd.Flags().String("since", "", "only runs at or after this date or duration ago")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
