package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/fixall/internal/orchestrator"
	"github.com/lucasnoah/fixall/internal/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	outcomeStyles = map[pipeline.Outcome]lipgloss.Style{
		pipeline.OutcomeCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		pipeline.OutcomeSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		pipeline.OutcomeBlocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		pipeline.OutcomeFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}

	totalStyle = lipgloss.NewStyle().Bold(true)
)

func styleOutcome(o pipeline.Outcome, width int) string {
	text := padRight(strings.ToUpper(string(o)), width)
	if s, ok := outcomeStyles[o]; ok {
		return s.Render(text)
	}
	return text
}

// printSummary renders the per-issue table after a batch.
func printSummary(w io.Writer, reports []*orchestrator.Report, worst pipeline.Outcome) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s  %s  %s  %s", padRight("ISSUE", 7), padRight("OUTCOME", 10), padRight("CONF", 5), "DETAIL")))
	fmt.Fprintln(w, separatorStyle.Render(strings.Repeat("-", 72)))
	for _, r := range reports {
		detail := r.PRURL
		if detail == "" {
			detail = truncate(r.Reason, 60)
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			padRight(fmt.Sprintf("#%d", r.Issue), 7),
			styleOutcome(r.Outcome, 10),
			padRight(fmt.Sprintf("%.2f", r.Confidence), 5),
			detail)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, totalStyle.Render(fmt.Sprintf("%d issue(s), exit %d", len(reports), worst.ExitCode())))
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
