// Package orchestrator drives one issue through the decision stages, decides
// the terminal outcome and publishes it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/agent"
	"github.com/lucasnoah/fixall/internal/checks"
	"github.com/lucasnoah/fixall/internal/config"
	"github.com/lucasnoah/fixall/internal/db"
	"github.com/lucasnoah/fixall/internal/github"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/prompt"
	"github.com/lucasnoah/fixall/internal/stage"
	"github.com/lucasnoah/fixall/internal/workspace"
)

// Workspace is the subset of workspace.Manager the pipeline drives.
type Workspace interface {
	Dir() string
	BaseBranch() string
	Branch(issue int) string
	Dirty(ctx context.Context) ([]string, error)
	Prepare(ctx context.Context, issue int) (string, error)
	Commit(ctx context.Context, message string) (bool, error)
	CheckCommits(ctx context.Context) error
	CommitsAhead(ctx context.Context) (int, error)
	Diff(ctx context.Context) (string, error)
	FilesChanged(ctx context.Context) ([]string, error)
	Head() (*workspace.HeadCommit, error)
	SkipReason() (string, bool)
	Push(ctx context.Context, branch string) error
	Finalize(ctx context.Context, branch string)
}

// TestRunner runs the configured test command in the workspace.
type TestRunner interface {
	Run(ctx context.Context, dir string, cfg checks.CheckConfig) (*checks.Result, error)
}

// EventLog receives run history. Implemented by *db.DB.
type EventLog interface {
	LogPipelineEvent(runID string, issue int, event string, stage string, attempt int, detail string) error
	LogCheckRun(runID string, issue int, attempt int, checkName string, passed bool, exitCode int, durationMs int, summary string) error
	RecordRun(rec db.RunRecord) error
}

// Deps are the collaborators of an Orchestrator. Tests and Events may be nil.
type Deps struct {
	Store     *pipeline.Store
	Workspace Workspace
	Tracker   github.Tracker
	Agent     agent.Runner
	Tests     TestRunner
	Events    EventLog
	Log       *zap.Logger
}

// Orchestrator runs issues through the pipeline, one at a time.
type Orchestrator struct {
	cfg      *config.Config
	store    *pipeline.Store
	ws       Workspace
	tracker  github.Tracker
	agent    agent.Runner
	tests    TestRunner
	events   EventLog
	log      *zap.Logger
	now      func() time.Time
	newRunID func() string
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		ws:       deps.Workspace,
		tracker:  deps.Tracker,
		agent:    deps.Agent,
		tests:    deps.Tests,
		events:   deps.Events,
		log:      log,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// Report summarizes a finished run.
type Report struct {
	Issue      int              `json:"issue"`
	Title      string           `json:"title,omitempty"`
	RunID      string           `json:"run_id"`
	RunDir     string           `json:"run_dir"`
	Outcome    pipeline.Outcome `json:"outcome"`
	Reason     string           `json:"reason,omitempty"`
	Confidence float64          `json:"confidence"`
	Labels     []string         `json:"labels,omitempty"`
	PRURL      string           `json:"pr_url,omitempty"`
	Revisions  int              `json:"revisions"`
	Duration   time.Duration    `json:"duration"`
}

// ExitCode projects the outcome onto a process exit code.
func (r *Report) ExitCode() int {
	return r.Outcome.ExitCode()
}

// RunBatch processes issues sequentially and returns one report per issue
// that was started, plus the worst outcome. A cancelled context stops the
// batch before the next issue.
func (o *Orchestrator) RunBatch(ctx context.Context, issues []int) ([]*Report, pipeline.Outcome) {
	var reports []*Report
	worst := pipeline.OutcomeCompleted
	for i, n := range issues {
		if ctx.Err() != nil {
			o.log.Warn("batch interrupted", zap.Int("remaining", len(issues)-i))
			worst = pipeline.OutcomeFailed
			break
		}
		rep, err := o.RunIssue(ctx, n)
		if err != nil {
			o.log.Error("run could not start", zap.Int("issue", n), zap.Error(err))
			rep = &Report{Issue: n, Outcome: pipeline.OutcomeFailed, Reason: err.Error()}
		}
		reports = append(reports, rep)
		if rep.Outcome.Severity() > worst.Severity() {
			worst = rep.Outcome
		}
	}
	return reports, worst
}

// RunIssue runs the full pipeline for one issue. The error is non-nil only
// when the run directory cannot be created; every other failure is
// reported through the FAILED outcome.
func (o *Orchestrator) RunIssue(ctx context.Context, number int) (*Report, error) {
	if err := github.ValidateIssueNumber(number); err != nil {
		return nil, err
	}
	started := o.now()
	run, err := o.store.CreateRun(number, started)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runID := o.newRunID()
	log := o.log.With(zap.Int("issue", number), zap.String("run_id", runID))
	p := &issueRun{
		o:      o,
		run:    run,
		number: number,
		log:    log,
		engine: stage.NewEngine(o.agent, run, o.cfg.PromptsDir, log),
		ps: pipeline.NewPipelineState(pipeline.IssueContext{
			RunID:      runID,
			Number:     number,
			BaseBranch: o.ws.BaseBranch(),
			Branch:     o.ws.Branch(number),
		}, started),
	}
	p.log.Info("run started", zap.String("dir", run.Dir()))
	p.event("started", "", 0, "")

	outcome, reason := p.guard("pipeline", func() (pipeline.Outcome, string) {
		return p.execute(ctx)
	})
	outcome, reason = p.guard("publication", func() (pipeline.Outcome, string) {
		return p.publish(ctx, outcome, reason)
	})
	if p.prepared {
		o.ws.Finalize(ctx, p.ps.Branch)
	}
	return p.record(outcome, reason, started), nil
}

// issueRun is the mutable state of one pipeline run.
type issueRun struct {
	o      *Orchestrator
	run    *pipeline.Run
	engine *stage.Engine
	log    *zap.Logger
	ps     *pipeline.PipelineState

	number   int
	issue    *github.Issue
	ic       pipeline.IssueContext
	prepared bool

	triage   *stage.TriagePayload
	research *stage.ResearchPayload
	fix      *stage.FixPayload
	review   *stage.ReviewPayload
	feedback string
	skip     skipCause
}

type skipCause int

const (
	skipNone skipCause = iota
	skipTriage
	skipMarker
	skipNoChanges
)

// guard converts a panic in fn into a FAILED outcome.
func (p *issueRun) guard(step string, fn func() (pipeline.Outcome, string)) (outcome pipeline.Outcome, reason string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic", zap.String("step", step), zap.Any("panic", r), zap.Stack("stack"))
			outcome, reason = pipeline.OutcomeFailed, fmt.Sprintf("internal error during %s: %v", step, r)
		}
	}()
	return fn()
}

// execute fetches the issue, prepares the workspace and runs the stages.
func (p *issueRun) execute(ctx context.Context) (pipeline.Outcome, string) {
	issue, err := p.o.tracker.GetIssue(ctx, p.number)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("fetch issue: %v", err)
	}
	p.issue = issue
	p.ps.Title = issue.Title
	if err := p.run.SaveIssue(issue); err != nil {
		p.log.Warn("save issue failed", zap.Error(err))
	}

	// Refuse a dirty tree before touching the tracker or any branch.
	dirty, err := p.o.ws.Dirty(ctx)
	if err != nil {
		return pipeline.OutcomeFailed, fmt.Sprintf("inspect workspace: %v", err)
	}
	if len(dirty) > 0 {
		if len(dirty) > 5 {
			dirty = append(dirty[:5:5], fmt.Sprintf("and %d more", len(dirty)-5))
		}
		return pipeline.OutcomeFailed, fmt.Sprintf("prepare workspace: %v: %s",
			workspace.ErrDirtyWorkspace, strings.Join(dirty, ", "))
	}

	p.closeOpenPR(ctx)

	if _, err := p.o.ws.Prepare(ctx, p.number); err != nil {
		if !errors.Is(err, workspace.ErrDirtyWorkspace) {
			// A half-prepared workspace still needs restoring.
			p.prepared = true
		}
		return pipeline.OutcomeFailed, fmt.Sprintf("prepare workspace: %v", err)
	}
	p.prepared = true

	p.ic = pipeline.IssueContext{
		RunID:      p.ps.RunID,
		Number:     issue.Number,
		Title:      prompt.Sanitize(issue.Title),
		Body:       prompt.Sanitize(issue.Body),
		Labels:     prompt.SanitizeLabels(issue.LabelNames()),
		URL:        issue.URL,
		BaseBranch: p.ps.BaseBranch,
		Branch:     p.ps.Branch,
		Workspace:  p.o.ws.Dir(),
		RunDir:     p.run.Dir(),
	}
	return p.runStages(ctx)
}

// closeOpenPR closes a change proposal left open by an earlier run so the
// branch can be recreated.
func (p *issueRun) closeOpenPR(ctx context.Context) {
	pr, err := p.o.tracker.FindOpenPR(ctx, p.ps.Branch)
	if err != nil {
		p.log.Warn("look up open pull request failed", zap.Error(err))
		return
	}
	if pr == nil {
		return
	}
	if err := p.o.tracker.ClosePR(ctx, pr.Number); err != nil {
		p.log.Warn("close stale pull request failed", zap.Int("pr", pr.Number), zap.Error(err))
		return
	}
	p.log.Info("closed stale pull request", zap.Int("pr", pr.Number))
	p.event("pr_closed", "", 0, pr.URL)
}

// record persists the final state and returns the report.
func (p *issueRun) record(outcome pipeline.Outcome, reason string, started time.Time) *Report {
	if err := p.ps.Finalize(outcome, reason); err != nil {
		p.log.Error("finalize pipeline state", zap.Error(err))
	}
	p.savePipeline()

	finished := p.o.now()
	rep := &Report{
		Issue:      p.number,
		Title:      p.ps.Title,
		RunID:      p.ps.RunID,
		RunDir:     p.run.Dir(),
		Outcome:    p.ps.Outcome,
		Reason:     p.ps.Reason,
		Confidence: p.ps.AggregateConfidence,
		Labels:     p.ps.Labels,
		PRURL:      p.ps.PRURL,
		Revisions:  p.ps.Revisions,
		Duration:   finished.Sub(started),
	}

	if err := p.run.SaveOutcome(&pipeline.OutcomeRecord{
		RunID:               rep.RunID,
		Issue:               rep.Issue,
		Outcome:             rep.Outcome,
		Reason:              rep.Reason,
		ExitCode:            rep.ExitCode(),
		AggregateConfidence: rep.Confidence,
		PRURL:               rep.PRURL,
		Labels:              rep.Labels,
		FinishedAt:          p.ps.FinishedAt,
	}); err != nil {
		p.log.Warn("save outcome failed", zap.Error(err))
	}

	metrics := pipeline.MetricsRecord{
		RunID:               rep.RunID,
		Timestamp:           p.ps.StartedAt,
		Issue:               rep.Issue,
		Outcome:             rep.Outcome,
		Reason:              rep.Reason,
		AggregateConfidence: rep.Confidence,
		ConfidenceBreakdown: p.ps.ConfidenceBreakdown,
		Revisions:           rep.Revisions,
		DurationSeconds:     rep.Duration.Seconds(),
		CostUSD:             p.ps.TotalCost(),
		StageDurations:      stageDurations(p.ps),
		NeedsManualReview:   p.ps.NeedsManualReview,
	}
	if p.triage != nil {
		metrics.Classification = string(p.triage.Classification)
	}
	if err := p.o.store.AppendMetrics(metrics); err != nil {
		p.log.Warn("append metrics failed", zap.Error(err))
	}

	if p.o.events != nil {
		if err := p.o.events.RecordRun(db.RunRecord{
			RunID:      rep.RunID,
			Issue:      rep.Issue,
			Title:      rep.Title,
			Outcome:    string(rep.Outcome),
			Reason:     rep.Reason,
			Confidence: rep.Confidence,
			Revisions:  rep.Revisions,
			PRURL:      rep.PRURL,
			RunDir:     rep.RunDir,
			CostUSD:    metrics.CostUSD,
			StartedAt:  p.ps.StartedAt,
			FinishedAt: p.ps.FinishedAt,
		}); err != nil {
			p.log.Warn("record run failed", zap.Error(err))
		}
	}
	p.event("finished", "", 0, string(rep.Outcome))

	fields := []zap.Field{
		zap.String("outcome", string(rep.Outcome)),
		zap.Float64("confidence", rep.Confidence),
		zap.Duration("duration", rep.Duration),
	}
	if rep.Reason != "" {
		fields = append(fields, zap.String("reason", rep.Reason))
	}
	if rep.PRURL != "" {
		fields = append(fields, zap.String("pr", rep.PRURL))
	}
	p.log.Info("run finished", fields...)
	return rep
}

func (p *issueRun) savePipeline() {
	if err := p.run.SavePipeline(p.ps); err != nil {
		p.log.Warn("save pipeline state failed", zap.Error(err))
	}
}

// event logs to the run history when one is configured.
func (p *issueRun) event(event string, kind pipeline.StageKind, attempt int, detail string) {
	if p.o.events == nil {
		return
	}
	if err := p.o.events.LogPipelineEvent(p.ps.RunID, p.number, event, string(kind), attempt, detail); err != nil {
		p.log.Warn("log pipeline event failed", zap.String("event", event), zap.Error(err))
	}
}

// stageDurations sums the duration of every attempt per stage, in seconds.
func stageDurations(ps *pipeline.PipelineState) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range ps.Stages {
		d, err := time.ParseDuration(r.Duration)
		if err != nil {
			continue
		}
		out[string(r.Stage)] += d.Seconds()
	}
	return out
}
