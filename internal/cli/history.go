package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs from the run-history database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg.Database.Driver, cfg.Database.DSN.Value())
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer database.Close()

		issue, _ := cmd.Flags().GetInt("issue")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		showEvents, _ := cmd.Flags().GetBool("events")

		if showEvents {
			if issue == 0 {
				return fmt.Errorf("--events needs --issue")
			}
			events, err := database.GetPipelineHistory(issue)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tRUN\tEVENT\tSTAGE\tATTEMPT\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					e.Timestamp, shortID(e.RunID), e.Event, e.Stage, e.Attempt, truncate(e.Detail, 60))
			}
			return w.Flush()
		}

		runs, err := database.ListRuns(issue, limit)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tISSUE\tOUTCOME\tCONF\tREV\tCOST\tDETAIL")
		for _, r := range runs {
			detail := r.PRURL
			if detail == "" {
				detail = truncate(r.Reason, 50)
			}
			fmt.Fprintf(w, "%s\t#%d\t%s\t%.2f\t%d\t$%.2f\t%s\n",
				r.StartedAt, r.Issue, r.Outcome, r.Confidence, r.Revisions, r.CostUSD, detail)
		}
		return w.Flush()
	},
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	historyCmd.Flags().Int("issue", 0, "only runs for this issue")
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to show")
	historyCmd.Flags().Bool("events", false, "show the event log of --issue instead of the run list")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
}
