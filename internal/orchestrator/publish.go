package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/github"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/stage"
)

const (
	commentFooter   = "\n---\n*Generated by fixall*"
	maxListed       = 5
	maxListedNotes  = 3
	maxRootCauseLen = 500
)

// publish renders the pipeline state to the tracker. Only a COMPLETED run
// opens a change proposal; every other outcome is reported as a comment.
// It may downgrade COMPLETED when nothing can be proposed.
func (p *issueRun) publish(ctx context.Context, outcome pipeline.Outcome, reason string) (pipeline.Outcome, string) {
	score, breakdown := Aggregate(p.ps)
	p.ps.AggregateConfidence = score
	p.ps.ConfidenceBreakdown = breakdown

	if outcome == pipeline.OutcomeCompleted {
		var err error
		outcome, reason, err = p.propose(ctx, reason)
		if err != nil {
			outcome, reason = pipeline.OutcomeFailed, err.Error()
		}
		if outcome == pipeline.OutcomeCompleted {
			return outcome, reason
		}
	}

	p.comment(ctx, p.outcomeComment(outcome, reason))
	return outcome, reason
}

// propose pushes the issue branch and opens a draft pull request.
func (p *issueRun) propose(ctx context.Context, reason string) (pipeline.Outcome, string, error) {
	ws := p.o.ws
	if _, err := ws.Commit(ctx, p.commitMessage(p.ps.Attempts(pipeline.StageFix))); err != nil {
		return "", "", fmt.Errorf("final commit: %w", err)
	}
	if err := ws.CheckCommits(ctx); err != nil {
		return "", "", fmt.Errorf("secret guard: %w", err)
	}

	ahead, err := ws.CommitsAhead(ctx)
	if err != nil {
		return "", "", fmt.Errorf("count commits: %w", err)
	}
	files, err := ws.FilesChanged(ctx)
	if err != nil {
		return "", "", fmt.Errorf("list changed files: %w", err)
	}
	if ahead == 0 || len(files) == 0 {
		p.skip = skipNoChanges
		return pipeline.OutcomeSkipped, "no changes: nothing differs from the base branch", nil
	}

	p.ps.Labels = Labels(p.ps.AggregateConfidence, p.o.cfg.Labels, p.o.cfg.Policy)

	if err := ws.Push(ctx, p.ps.Branch); err != nil {
		return "", "", err
	}
	p.event("pushed", "", 0, p.ps.Branch)

	pr, err := p.o.tracker.CreatePR(ctx, github.PRCreateOpts{
		Title:  fmt.Sprintf("Fix #%d: %s", p.number, strings.Join(strings.Fields(p.issue.Title), " ")),
		Body:   p.prBody(files),
		Branch: p.ps.Branch,
		Base:   p.ps.BaseBranch,
		Labels: p.ps.Labels,
		Draft:  true,
	})
	if err != nil {
		return "", "", fmt.Errorf("open pull request: %w", err)
	}
	p.ps.PRURL = pr.URL
	p.log.Info("pull request opened", zap.Int("pr", pr.Number), zap.String("url", pr.URL),
		zap.Strings("labels", p.ps.Labels))
	p.event("pr_created", "", 0, pr.URL)

	p.comment(ctx, p.successComment(files))
	return pipeline.OutcomeCompleted, reason, nil
}

func (p *issueRun) comment(ctx context.Context, body string) {
	if err := p.o.tracker.Comment(ctx, p.number, body); err != nil {
		p.log.Warn("comment on issue failed", zap.Error(err))
		return
	}
	p.event("commented", "", 0, "")
}

// details is the shared summary of a proposed fix.
func (p *issueRun) details(files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Files changed:** %s\n", codeList(files, maxListed))
	if rc := p.rootCause(); rc != "" {
		fmt.Fprintf(&b, "\n**Root cause:** %s\n", rc)
	}
	if p.fix != nil {
		writeList(&b, "Caveats", p.fix.Caveats, maxListedNotes)
		if p.fix.TestingNotes != "" {
			fmt.Fprintf(&b, "\n**Testing notes:** %s\n", p.fix.TestingNotes)
		}
	}
	fmt.Fprintf(&b, "\n**Confidence:** %.0f%%\n", p.ps.AggregateConfidence*100)
	return b.String()
}

func (p *issueRun) prBody(files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\nAutomated fix for #%d.\n\n", p.number)
	b.WriteString(p.details(files))

	if p.triage != nil && p.triage.Summary != "" {
		fmt.Fprintf(&b, "\n## Triage\n\n`%s`: %s\n", p.triage.Classification, p.triage.Summary)
	}
	if p.review != nil {
		fmt.Fprintf(&b, "\n## Review\n\n**Verdict:** `%s`\n", p.review.Verdict)
		writeList(&b, "Concerns", p.review.Concerns, maxListed)
	}
	if p.ps.NeedsManualReview {
		b.WriteString("\n> **Manual review required.** The automated review produced no structured verdict.\n")
	}

	b.WriteString("\n## Confidence Breakdown\n\n| Stage | Confidence |\n|---|---|\n")
	for _, kind := range pipeline.Stages {
		fmt.Fprintf(&b, "| %s | %.2f |\n", kind, p.ps.ConfidenceBreakdown[string(kind)])
	}
	fmt.Fprintf(&b, "| **aggregate** | **%.2f** |\n", p.ps.AggregateConfidence)
	if p.ps.Revisions > 0 {
		fmt.Fprintf(&b, "\nRevisions after review: %d\n", p.ps.Revisions)
	}

	b.WriteString("\n## Test Plan\n\n- [ ] Review the changes\n- [ ] Run tests\n- [ ] Verify the fix addresses the issue\n")
	b.WriteString(commentFooter)
	return b.String()
}

func (p *issueRun) successComment(files []string) string {
	var b strings.Builder
	b.WriteString("**Automated Fix Created**\n\n")
	fmt.Fprintf(&b, "**PR:** %s\n\n", p.ps.PRURL)
	b.WriteString(p.details(files))
	b.WriteString("\nPlease review the PR before merging.\n")
	b.WriteString(commentFooter)
	return b.String()
}

// outcomeComment explains a run that did not open a change proposal.
func (p *issueRun) outcomeComment(outcome pipeline.Outcome, reason string) string {
	if outcome == pipeline.OutcomeSkipped {
		switch p.skip {
		case skipTriage:
			return p.triageComment()
		case skipNoChanges:
			return p.noChangesComment()
		case skipMarker:
			return "**Automated Fix Declined**\n\n" +
				"The fix agent investigated this issue and decided not to change the code.\n\n" +
				fmt.Sprintf("**Reason:** %s\n", reason) + commentFooter
		}
	}

	var b strings.Builder
	label := "Failed"
	if outcome == pipeline.OutcomeBlocked {
		label = "Blocked"
	} else if outcome == pipeline.OutcomeSkipped {
		label = "Skipped"
	}
	fmt.Fprintf(&b, "**Automated Fix %s**\n\n**Reason:** %s\n", label, reason)

	if p.fix != nil || p.review != nil {
		b.WriteString("\n## What Happened\n\n")
		if p.fix != nil && len(p.fix.FilesChanged) > 0 {
			fmt.Fprintf(&b, "**Files attempted:** %s\n", codeList(p.fix.FilesChanged, maxListed))
		}
		if p.review != nil {
			fmt.Fprintf(&b, "\n**Review verdict:** `%s`\n", p.review.Verdict)
			writeList(&b, "Concerns", p.review.Concerns, maxListedNotes)
			writeList(&b, "Suggestions", p.review.Suggestions, maxListedNotes)
		}
		if p.ps.Revisions > 0 {
			fmt.Fprintf(&b, "\n**Revision attempts:** %d\n", p.ps.Revisions)
		}
	}
	if rc := p.rootCause(); rc != "" {
		if len(rc) > maxRootCauseLen {
			rc = rc[:maxRootCauseLen] + "..."
		}
		fmt.Fprintf(&b, "\n**Identified root cause:** %s\n", rc)
	}
	b.WriteString(commentFooter)
	return b.String()
}

var classificationIntro = map[stage.Classification]string{
	stage.NeedsHuman:         "This issue requires human review due to its complexity or risk level.",
	stage.NeedsClarification: "This issue needs more information before it can be addressed.",
	stage.OutOfScope:         "This issue is outside the scope of automated fixes.",
	stage.Duplicate:          "This issue appears to be a duplicate of an existing issue.",
	stage.AlreadyDone:        "This issue appears to be resolved on the base branch already.",
}

func (p *issueRun) triageComment() string {
	t := p.triage
	var b strings.Builder
	b.WriteString("**Automated Fix Analysis Complete**\n\n")
	intro, ok := classificationIntro[t.Classification]
	if !ok {
		intro = "This issue was analyzed but cannot be fixed automatically."
	}
	if t.Classification.Fixable() {
		intro = "This issue looks fixable, but the analysis was not confident enough to attempt it."
	}
	fmt.Fprintf(&b, "%s\n\n**Classification:** `%s`\n", intro, t.Classification)
	if t.Confidence != nil {
		fmt.Fprintf(&b, "**Confidence:** %.0f%%\n", *t.Confidence*100)
	}

	b.WriteString("\n## Analysis Summary\n")
	if t.Summary != "" {
		fmt.Fprintf(&b, "\n**Summary:** %s\n", t.Summary)
	}
	if t.Reasoning != "" {
		fmt.Fprintf(&b, "\n**Reasoning:** %s\n", t.Reasoning)
	}
	switch t.Classification {
	case stage.NeedsHuman:
		writeList(&b, "Risks", t.Risks, 0)
		if t.SuggestedApproach != "" {
			fmt.Fprintf(&b, "\n**Suggested Approach:** %s\n", t.SuggestedApproach)
		}
		writeList(&b, "Questions for Clarification", t.QuestionsIfUnclear, 0)
	case stage.NeedsClarification:
		writeList(&b, "Please provide clarification on", t.QuestionsIfUnclear, 0)
	case stage.OutOfScope:
		b.WriteString("\n**Why this is out of scope:** This does not appear to be a defect that a code or configuration change in this repository can address.\n")
	case stage.Duplicate:
		b.WriteString("\n**Note:** Please check for related issues that may already address this problem.\n")
	}
	b.WriteString(commentFooter)
	return b.String()
}

func (p *issueRun) noChangesComment() string {
	var b strings.Builder
	b.WriteString("**Automated Fix Analysis Complete**\n\n")
	b.WriteString("The issue was analyzed and deemed fixable, but the fix agent did not produce any code changes.\n")
	if p.triage != nil && p.triage.Summary != "" {
		fmt.Fprintf(&b, "\n## Triage Analysis\n\n%s\n", p.triage.Summary)
	}
	if rc := p.rootCause(); rc != "" {
		fmt.Fprintf(&b, "\n## Research Findings\n\n%s\n", rc)
	}
	b.WriteString("\n## Next Steps\n\n" +
		"- A developer should review this issue\n" +
		"- The analysis above may provide useful context\n" +
		"- Consider whether the issue needs changes beyond a contained fix\n")
	b.WriteString(commentFooter)
	return b.String()
}

func (p *issueRun) rootCause() string {
	if p.research == nil {
		return ""
	}
	return strings.TrimSpace(string(p.research.RootCause))
}

// writeList appends a bold-titled bullet list, keeping at most max items
// (all when max is 0).
func writeList(b *strings.Builder, title string, items []string, max int) {
	if len(items) == 0 {
		return
	}
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	fmt.Fprintf(b, "\n**%s:**\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func codeList(files []string, max int) string {
	if len(files) == 0 {
		return "see changes"
	}
	files = append([]string(nil), files...)
	sort.Strings(files)
	more := 0
	if len(files) > max {
		more = len(files) - max
		files = files[:max]
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "`" + f + "`"
	}
	out := strings.Join(quoted, ", ")
	if more > 0 {
		out += fmt.Sprintf(" and %d more", more)
	}
	return out
}
