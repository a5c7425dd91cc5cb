package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/checks"
	"github.com/lucasnoah/fixall/internal/config"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/prompt"
	"github.com/lucasnoah/fixall/internal/stage"
	"github.com/lucasnoah/fixall/internal/workspace"
)

// maxTestReport bounds the test output placed into the REVIEW brief.
const maxTestReport = 4000

// runStages is the stage state machine:
//
//	TRIAGE -> RESEARCH -> FIX <-> REVIEW -> {COMPLETED, SKIPPED, BLOCKED, FAILED}
func (p *issueRun) runStages(ctx context.Context) (pipeline.Outcome, string) {
	policy := p.o.cfg.Policy

	res, err := p.runStage(ctx, pipeline.StageTriage, 1, p.triageVars(), stage.RunOpts{})
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("triage: %v", err)
	}
	if res.Status == pipeline.StatusFailed {
		return pipeline.OutcomeFailed, fmt.Sprintf("triage failed: %s", res.Error)
	}
	var triage stage.TriagePayload
	if err := res.DecodePayload(&triage); err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("decode triage result: %v", err)
	}
	p.triage = &triage
	if conf := res.ConfidenceValue(); !triage.Classification.Fixable() || conf < policy.MinTriageConfidence {
		p.skip = skipTriage
		return pipeline.OutcomeSkipped, triageSkipReason(triage.Classification, conf, policy.MinTriageConfidence)
	}

	res, err = p.runStage(ctx, pipeline.StageResearch, 1, p.researchVars(), stage.RunOpts{})
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("research: %v", err)
	}
	switch res.Status {
	case pipeline.StatusFailed:
		p.log.Warn("research failed, fixing from the issue text alone", zap.String("error", res.Error))
	case pipeline.StatusParseFallback:
		p.log.Warn("research produced no findings, fixing from the issue text alone")
	default:
		var research stage.ResearchPayload
		if err := res.DecodePayload(&research); err != nil {
			p.log.Warn("decode research result", zap.Error(err))
			break
		}
		p.research = &research
		if conf := res.ConfidenceValue(); conf < policy.MinResearchConfidence {
			p.log.Warn("low research confidence", zap.Float64("confidence", conf),
				zap.Float64("threshold", policy.MinResearchConfidence))
		}
	}

	for attempt := 1; ; attempt++ {
		if outcome, reason, done := p.revision(ctx, attempt); done {
			return outcome, reason
		}
	}
}

// maxAttempts is the configured FIX attempt budget, never above
// config.MaxRevisionLimit.
func (p *issueRun) maxAttempts() int {
	n := p.o.cfg.Policy.MaxRevisions
	if n < 1 || n > config.MaxRevisionLimit {
		return config.MaxRevisionLimit
	}
	return n
}

// revision runs one FIX/REVIEW pair. done is false when the review asked
// for another attempt.
func (p *issueRun) revision(ctx context.Context, attempt int) (outcome pipeline.Outcome, reason string, done bool) {
	policy := p.o.cfg.Policy
	ws := p.o.ws

	res, err := p.runStage(ctx, pipeline.StageFix, attempt, p.fixVars(attempt), stage.RunOpts{
		AfterAgent: p.commitLeftovers(attempt),
		Evidence:   p.evidence,
	})
	if why, ok := ws.SkipReason(); ok {
		p.skip = skipMarker
		return pipeline.OutcomeSkipped, "fix agent declined: " + why, true
	}
	if err != nil {
		if errors.Is(err, workspace.ErrSecretExposure) {
			return pipeline.OutcomeFailed, fmt.Sprintf("secret guard: %v", err), true
		}
		return pipeline.OutcomeFailed, fmt.Sprintf("fix: %v", err), true
	}
	if res.Status == pipeline.StatusFailed {
		return pipeline.OutcomeFailed, fmt.Sprintf("fix attempt %d failed: %s", attempt, res.Error), true
	}
	var fix stage.FixPayload
	if err := res.DecodePayload(&fix); err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("decode fix result: %v", err), true
	}
	p.fix = &fix

	ahead, err := ws.CommitsAhead(ctx)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("inspect fix commits: %v", err), true
	}
	if ahead == 0 {
		p.skip = skipNoChanges
		return pipeline.OutcomeSkipped, "no changes: the fix stage produced no commits", true
	}

	testReport := p.runTests(ctx, attempt)

	vars, err := p.reviewVars(ctx, attempt, testReport)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("prepare review: %v", err), true
	}
	res, err = p.runStage(ctx, pipeline.StageReview, attempt, vars, stage.RunOpts{})
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("review: %v", err), true
	}
	if res.Status == pipeline.StatusFailed {
		return pipeline.OutcomeFailed, fmt.Sprintf("review attempt %d failed: %s", attempt, res.Error), true
	}
	var review stage.ReviewPayload
	if err := res.DecodePayload(&review); err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("decode review result: %v", err), true
	}
	p.review = &review
	if res.Fallback {
		p.ps.NeedsManualReview = true
	}

	switch review.Verdict {
	case stage.Approve:
		if res.Fallback {
			return pipeline.OutcomeCompleted, "review produced no verdict; approved for manual review", true
		}
		return pipeline.OutcomeCompleted, "approved by review", true
	case stage.Block:
		return pipeline.OutcomeBlocked, "review blocked the change" + concernSuffix(review.Concerns), true
	case stage.RequestChanges:
		conf := res.ConfidenceValue()
		if attempt >= p.maxAttempts() {
			return pipeline.OutcomeBlocked, fmt.Sprintf("review still requested changes after %d attempts", attempt), true
		}
		if conf < policy.MinRevisionConfidence {
			return pipeline.OutcomeBlocked, fmt.Sprintf("review requested changes with low confidence (%.2f < %.2f)",
				conf, policy.MinRevisionConfidence), true
		}
		p.feedback = formatFeedback(review)
		p.ps.Revisions++
		p.log.Info("review requested changes", zap.Int("attempt", attempt), zap.Int("concerns", len(review.Concerns)))
		p.event("revision_requested", pipeline.StageReview, attempt, strings.Join(review.Concerns, "; "))
		p.savePipeline()
		return "", "", false
	}
	return pipeline.OutcomeFailed, fmt.Sprintf("unknown review verdict %q", review.Verdict), true
}

// runStage runs one stage through the engine and records the result.
func (p *issueRun) runStage(ctx context.Context, kind pipeline.StageKind, attempt int, vars prompt.Vars, opts stage.RunOpts) (*stage.Result, error) {
	opts.Stage = kind
	opts.Attempt = attempt
	opts.Vars = vars
	opts.Dir = p.o.ws.Dir()
	opts.Timeout = p.o.cfg.StageTimeout(string(kind))

	p.event("stage_started", kind, attempt, "")
	res, err := p.engine.Run(ctx, opts)
	if res != nil {
		if rerr := p.ps.Record(res.StageResult); rerr != nil {
			p.log.Error("record stage result", zap.Error(rerr))
		}
		detail := string(res.Status)
		if res.Error != "" {
			detail += ": " + res.Error
		}
		p.event("stage_finished", kind, attempt, detail)
		p.savePipeline()
	}
	return res, err
}

// commitLeftovers commits whatever the FIX agent left uncommitted and checks
// the agent's own commits, both through the secret guard. Nothing is
// committed when the agent left the skip marker.
func (p *issueRun) commitLeftovers(attempt int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, ok := p.o.ws.SkipReason(); ok {
			return nil
		}
		committed, err := p.o.ws.Commit(ctx, p.commitMessage(attempt))
		if err != nil {
			return err
		}
		if committed {
			p.log.Info("committed uncommitted fix changes", zap.Int("attempt", attempt))
		}
		return p.o.ws.CheckCommits(ctx)
	}
}

// evidence reports the workspace state for the FIX fallback.
func (p *issueRun) evidence(ctx context.Context) (stage.Evidence, error) {
	ahead, err := p.o.ws.CommitsAhead(ctx)
	if err != nil {
		return stage.Evidence{}, err
	}
	ev := stage.Evidence{CommitsAhead: ahead}
	if ahead == 0 {
		return ev, nil
	}
	if head, err := p.o.ws.Head(); err == nil {
		ev.HeadMessage = head.Message
	} else {
		p.log.Warn("read HEAD commit", zap.Error(err))
	}
	if files, err := p.o.ws.FilesChanged(ctx); err == nil {
		ev.FilesChanged = files
	}
	return ev, nil
}

// runTests runs the configured test command and renders its result for
// the REVIEW brief. It never changes the outcome.
func (p *issueRun) runTests(ctx context.Context, attempt int) string {
	cfg := p.o.cfg.Agent
	if p.o.tests == nil || cfg.TestCommand == "" {
		return ""
	}
	res, err := p.o.tests.Run(ctx, p.o.ws.Dir(), checks.CheckConfig{
		Name:    "test",
		Command: cfg.TestCommand,
		Parser:  cfg.TestParser,
		Timeout: p.o.cfg.TestTimeout(),
	})
	if err != nil {
		p.log.Warn("test command could not run", zap.Error(err))
		return fmt.Sprintf("The test command could not be run: %v", err)
	}
	p.log.Info("test command finished", zap.Bool("passed", res.Passed), zap.String("summary", res.Summary))
	if p.o.events != nil {
		if err := p.o.events.LogCheckRun(p.ps.RunID, p.number, attempt, res.CheckName, res.Passed, res.ExitCode, res.DurationMs, res.Summary); err != nil {
			p.log.Warn("log check run failed", zap.Error(err))
		}
	}
	return fmt.Sprintf("`%s`\n\n%s", cfg.TestCommand, res.Report(maxTestReport))
}

func (p *issueRun) commitMessage(attempt int) string {
	title := strings.Join(strings.Fields(p.issue.Title), " ")
	msg := fmt.Sprintf("Fix #%d: %s\n\nFixes #%d", p.number, title, p.number)
	if attempt > 1 {
		msg += fmt.Sprintf("\n\nRevision %d after review.", attempt-1)
	}
	return msg
}

// triageSkipReason explains why triage did not let the run proceed.
func triageSkipReason(c stage.Classification, conf, min float64) string {
	if !c.Fixable() {
		return fmt.Sprintf("triage classified the issue as %s", c)
	}
	return fmt.Sprintf("triage confidence %.2f below %.2f for %s", conf, min, c)
}

// formatFeedback turns a review into instructions for the next FIX attempt.
func formatFeedback(r stage.ReviewPayload) string {
	var b strings.Builder
	if len(r.Concerns) > 0 {
		b.WriteString("Concerns:\n")
		for _, c := range r.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(r.Suggestions) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Suggestions:\n")
		for _, s := range r.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if b.Len() == 0 {
		return "The reviewer requested changes without details. Re-check the fix against the issue."
	}
	return strings.TrimRight(b.String(), "\n")
}

func concernSuffix(concerns []string) string {
	if len(concerns) == 0 {
		return ""
	}
	return ": " + strings.Join(concerns, "; ")
}
