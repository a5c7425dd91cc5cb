package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StageKind names one of the four decision stages.
type StageKind string

const (
	StageTriage   StageKind = "triage"
	StageResearch StageKind = "research"
	StageFix      StageKind = "fix"
	StageReview   StageKind = "review"
)

// Stages lists the stages in execution order.
var Stages = []StageKind{StageTriage, StageResearch, StageFix, StageReview}

// StageStatus is the result status of a single stage invocation.
type StageStatus string

const (
	StatusSucceeded     StageStatus = "succeeded"
	StatusFailed        StageStatus = "failed"
	StatusSkipped       StageStatus = "skipped"
	StatusParseFallback StageStatus = "parse_fallback"
)

// Outcome is the terminal outcome of a pipeline run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
)

// ExitCode maps an outcome to the process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted:
		return 0
	case OutcomeSkipped, OutcomeBlocked:
		return 2
	default:
		return 1
	}
}

// Severity orders outcomes for batch reporting: the worst outcome wins.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeCompleted:
		return 0
	case OutcomeSkipped:
		return 1
	case OutcomeBlocked:
		return 2
	default:
		return 3
	}
}

// ErrFinalized is returned when a finalized pipeline state is mutated.
var ErrFinalized = errors.New("pipeline state already finalized")

// IssueContext is the immutable per-run context handed to every stage.
type IssueContext struct {
	RunID      string   `json:"run_id"`
	Number     int      `json:"number"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels"`
	URL        string   `json:"url,omitempty"`
	BaseBranch string   `json:"base_branch"`
	Branch     string   `json:"branch"`
	Workspace  string   `json:"workspace"`
	RunDir     string   `json:"run_dir"`
}

// StageResult is the persisted record of one stage invocation.
type StageResult struct {
	Stage          StageKind       `json:"stage"`
	Attempt        int             `json:"attempt"`
	Status         StageStatus     `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Confidence     *float64        `json:"confidence"`
	Fallback       bool            `json:"fallback,omitempty"`
	Error          string          `json:"error,omitempty"`
	PromptPath     string          `json:"prompt_path,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	Duration       string          `json:"duration"`
	CostUSD        float64         `json:"cost_usd,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

// ConfidenceValue returns the confidence, or 0 when undefined or the stage failed.
func (r StageResult) ConfidenceValue() float64 {
	if r.Confidence == nil || r.Status == StatusFailed {
		return 0
	}
	return *r.Confidence
}

// DecodePayload unmarshals the stage payload into v.
func (r StageResult) DecodePayload(v interface{}) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%s attempt %d has no payload", r.Stage, r.Attempt)
	}
	return json.Unmarshal(r.Payload, v)
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}

// PipelineState is the aggregate record of a single issue run.
type PipelineState struct {
	RunID               string             `json:"run_id"`
	Issue               int                `json:"issue"`
	Title               string             `json:"title"`
	Branch              string             `json:"branch"`
	BaseBranch          string             `json:"base_branch"`
	CurrentStage        StageKind          `json:"current_stage,omitempty"`
	Stages              []StageResult      `json:"stages"`
	Outcome             Outcome            `json:"outcome,omitempty"`
	Reason              string             `json:"reason,omitempty"`
	AggregateConfidence float64            `json:"aggregate_confidence"`
	ConfidenceBreakdown map[string]float64 `json:"confidence_breakdown,omitempty"`
	NeedsManualReview   bool               `json:"needs_manual_review,omitempty"`
	Revisions           int                `json:"revisions"`
	PRURL               string             `json:"pr_url,omitempty"`
	Labels              []string           `json:"labels,omitempty"`
	StartedAt           string             `json:"started_at"`
	FinishedAt          string             `json:"finished_at,omitempty"`
}

// NewPipelineState starts a run record for ic at started.
func NewPipelineState(ic IssueContext, started time.Time) *PipelineState {
	return &PipelineState{
		RunID:      ic.RunID,
		Issue:      ic.Number,
		Title:      ic.Title,
		Branch:     ic.Branch,
		BaseBranch: ic.BaseBranch,
		Stages:     []StageResult{},
		StartedAt:  started.UTC().Format(time.RFC3339),
	}
}

// Finalized reports whether a terminal outcome has been set.
func (ps *PipelineState) Finalized() bool {
	return ps.Outcome != ""
}

// Record appends a stage result.
func (ps *PipelineState) Record(r StageResult) error {
	if ps.Finalized() {
		return ErrFinalized
	}
	ps.Stages = append(ps.Stages, r)
	ps.CurrentStage = r.Stage
	return nil
}

// Finalize sets the terminal outcome. It may be called once.
func (ps *PipelineState) Finalize(o Outcome, reason string) error {
	if ps.Finalized() {
		return fmt.Errorf("finalize %s: %w (outcome %s)", o, ErrFinalized, ps.Outcome)
	}
	ps.Outcome = o
	ps.Reason = reason
	ps.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// Latest returns the most recent result for kind.
func (ps *PipelineState) Latest(kind StageKind) (StageResult, bool) {
	for i := len(ps.Stages) - 1; i >= 0; i-- {
		if ps.Stages[i].Stage == kind {
			return ps.Stages[i], true
		}
	}
	return StageResult{}, false
}

// Attempts counts the recorded results for kind.
func (ps *PipelineState) Attempts(kind StageKind) int {
	n := 0
	for _, r := range ps.Stages {
		if r.Stage == kind {
			n++
		}
	}
	return n
}

// TotalCost sums the reported agent cost across all stages.
func (ps *PipelineState) TotalCost() float64 {
	var total float64
	for _, r := range ps.Stages {
		total += r.CostUSD
	}
	return total
}

// OutcomeRecord is written to outcome.json when a run finishes.
type OutcomeRecord struct {
	RunID               string   `json:"run_id"`
	Issue               int      `json:"issue"`
	Outcome             Outcome  `json:"outcome"`
	Reason              string   `json:"reason,omitempty"`
	ExitCode            int      `json:"exit_code"`
	AggregateConfidence float64  `json:"aggregate_confidence"`
	PRURL               string   `json:"pr_url,omitempty"`
	Labels              []string `json:"labels,omitempty"`
	FinishedAt          string   `json:"finished_at"`
}

// MetricsRecord is one line of the append-only metrics file.
type MetricsRecord struct {
	RunID               string             `json:"run_id"`
	Timestamp           string             `json:"timestamp"`
	Issue               int                `json:"issue"`
	Outcome             Outcome            `json:"outcome"`
	Reason              string             `json:"reason,omitempty"`
	Classification      string             `json:"classification,omitempty"`
	AggregateConfidence float64            `json:"aggregate_confidence"`
	ConfidenceBreakdown map[string]float64 `json:"confidence_breakdown,omitempty"`
	Revisions           int                `json:"revisions"`
	DurationSeconds     float64            `json:"duration_seconds"`
	CostUSD             float64            `json:"cost_usd"`
	StageDurations      map[string]float64 `json:"stage_durations,omitempty"`
	NeedsManualReview   bool               `json:"needs_manual_review,omitempty"`
}
