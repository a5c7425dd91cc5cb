package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/prompt"
)

// maxDiffChars bounds the diff placed into the REVIEW brief.
const maxDiffChars = 30000

// baseVars are shared by every stage brief.
func (p *issueRun) baseVars(attempt int) prompt.Vars {
	return prompt.Vars{
		"issue_number":   strconv.Itoa(p.ic.Number),
		"issue_title":    p.ic.Title,
		"issue_body":     p.ic.Body,
		"issue_labels":   strings.Join(p.ic.Labels, ", "),
		"workspace_path": p.ic.Workspace,
		"base_branch":    p.ic.BaseBranch,
		"branch":         p.ic.Branch,
		"attempt":        strconv.Itoa(attempt),
		"max_attempts":   strconv.Itoa(p.maxAttempts()),
		"skip_marker":    p.o.cfg.Workspace.SkipMarker,
		"test_command":   p.o.cfg.Agent.TestCommand,
	}
}

func (p *issueRun) triageVars() prompt.Vars {
	return p.baseVars(1)
}

func (p *issueRun) researchVars() prompt.Vars {
	v := p.baseVars(1)
	v["triage_classification"] = ""
	v["triage_summary"] = ""
	v["triage_complexity"] = ""
	v["triage_approach"] = ""
	if t := p.triage; t != nil {
		v["triage_classification"] = string(t.Classification)
		v["triage_summary"] = prompt.Sanitize(t.Summary)
		v["triage_complexity"] = prompt.Sanitize(t.EstimatedComplexity)
		v["triage_approach"] = prompt.Sanitize(t.SuggestedApproach)
	}
	return v
}

func (p *issueRun) fixVars(attempt int) prompt.Vars {
	v := p.baseVars(attempt)
	p.addResearch(v)
	v["review_feedback"] = prompt.Sanitize(p.feedback)
	return v
}

// reviewVars describes the change under review, read from the workspace.
func (p *issueRun) reviewVars(ctx context.Context, attempt int, testReport string) (prompt.Vars, error) {
	v := p.baseVars(attempt)
	p.addResearch(v)

	diff, err := p.o.ws.Diff(ctx)
	if err != nil {
		return nil, fmt.Errorf("read diff: %w", err)
	}
	v["git_diff"] = "```diff\n" + truncateDiff(diff, maxDiffChars) + "\n```"

	v["files_changed"] = ""
	if files, err := p.o.ws.FilesChanged(ctx); err == nil {
		v["files_changed"] = bulletList(files)
	} else {
		p.log.Warn("list changed files", zap.Error(err))
	}

	v["commit_message"] = ""
	if head, err := p.o.ws.Head(); err == nil {
		v["commit_message"] = prompt.Sanitize(strings.TrimSpace(head.Message))
	}

	v["fix_summary"] = ""
	if p.fix != nil {
		v["fix_summary"] = prompt.Sanitize(p.fix.Summary)
	}
	v["test_result"] = testReport
	return v, nil
}

func (p *issueRun) addResearch(v prompt.Vars) {
	v["research_root_cause"] = ""
	v["research_proposed_fix"] = ""
	v["research_affected_areas"] = ""
	v["research_test_strategy"] = ""
	if r := p.research; r != nil {
		v["research_root_cause"] = prompt.Sanitize(string(r.RootCause))
		v["research_proposed_fix"] = prompt.Sanitize(string(r.ProposedFix))
		v["research_affected_areas"] = prompt.Sanitize(strings.Join(r.AffectedAreas, ", "))
		v["research_test_strategy"] = prompt.Sanitize(string(r.TestStrategy))
	}
}

// truncateDiff cuts diff to at most max bytes on a rune boundary.
func truncateDiff(diff string, max int) string {
	if len(diff) <= max {
		return diff
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(diff[cut]) {
		cut--
	}
	return diff[:cut] + fmt.Sprintf("\n\n[diff truncated, %d bytes total]", len(diff))
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}
