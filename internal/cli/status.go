package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/fixall/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-dir]",
	Short: "Show the pipeline record of a run",
	Long: `Shows the aggregate record and stage table of a run directory, or of
the newest run for --issue.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issue, _ := cmd.Flags().GetInt("issue")
		if len(args) == 0 && issue == 0 {
			return fmt.Errorf("give a run directory or --issue")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := pipeline.NewStore(cfg.RunsDir)

		var run *pipeline.Run
		if len(args) == 1 {
			run, err = store.OpenRun(args[0])
		} else {
			run, err = store.Latest(issue)
		}
		if err != nil {
			return err
		}
		ps, err := run.GetPipeline()
		if err != nil {
			return fmt.Errorf("read pipeline state: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, err := json.MarshalIndent(ps, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal json: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Issue:      #%d %s\n", ps.Issue, ps.Title)
		fmt.Fprintf(w, "Run:        %s (%s)\n", ps.RunID, run.Dir())
		fmt.Fprintf(w, "Branch:     %s -> %s\n", ps.Branch, ps.BaseBranch)
		outcome := string(ps.Outcome)
		if outcome == "" {
			outcome = "in progress"
		}
		fmt.Fprintf(w, "Outcome:    %s\n", outcome)
		if ps.Reason != "" {
			fmt.Fprintf(w, "Reason:     %s\n", ps.Reason)
		}
		fmt.Fprintf(w, "Confidence: %.4f\n", ps.AggregateConfidence)
		if ps.PRURL != "" {
			fmt.Fprintf(w, "PR:         %s\n", ps.PRURL)
		}
		if ps.NeedsManualReview {
			fmt.Fprintln(w, "Manual review required.")
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "%-10s %-4s %-15s %-6s %-10s %s\n", "STAGE", "ATT", "STATUS", "CONF", "DURATION", "ERROR")
		fmt.Fprintf(w, "%-10s %-4s %-15s %-6s %-10s %s\n",
			strings.Repeat("-", 10),
			strings.Repeat("-", 4),
			strings.Repeat("-", 15),
			strings.Repeat("-", 6),
			strings.Repeat("-", 10),
			strings.Repeat("-", 5))
		for _, r := range ps.Stages {
			conf := "-"
			if r.Confidence != nil {
				conf = fmt.Sprintf("%.2f", *r.Confidence)
			}
			status := string(r.Status)
			if r.Fallback && r.Status != pipeline.StatusParseFallback {
				status += "*"
			}
			fmt.Fprintf(w, "%-10s %-4d %-15s %-6s %-10s %s\n",
				r.Stage, r.Attempt, status, conf, r.Duration, truncate(r.Error, 50))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("issue", 0, "show the newest run for this issue")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
