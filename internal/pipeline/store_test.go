package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestCreateRunLayout(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	run, err := s.CreateRun(42, started)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	want := filepath.Join(s.BaseDir(), "2026-03-04_05-06-07-issue-42")
	if run.Dir() != want {
		t.Errorf("Dir = %q, want %q", run.Dir(), want)
	}
	if run.Issue() != 42 {
		t.Errorf("Issue = %d, want 42", run.Issue())
	}

	if _, err := s.CreateRun(42, started); err == nil {
		t.Fatal("expected error creating the same run directory twice")
	}
}

func TestStageFileNames(t *testing.T) {
	run := &Run{dir: "/runs/x"}

	tests := []struct {
		kind    StageKind
		attempt int
		want    string
	}{
		{StageTriage, 1, "/runs/x/triage.state.json"},
		{StageFix, 1, "/runs/x/fix.state.json"},
		{StageFix, 2, "/runs/x/fix-2.state.json"},
		{StageReview, 3, "/runs/x/review-3.state.json"},
	}
	for _, tt := range tests {
		if got := run.StatePath(tt.kind, tt.attempt); got != tt.want {
			t.Errorf("StatePath(%s, %d) = %q, want %q", tt.kind, tt.attempt, got, tt.want)
		}
	}
	if got := run.PromptPath(StageFix, 2); got != "/runs/x/fix-2.prompt.md" {
		t.Errorf("PromptPath = %q", got)
	}
	if got := run.TranscriptPath(StageReview, 1); got != "/runs/x/review.log" {
		t.Errorf("TranscriptPath = %q", got)
	}
}

func TestSaveStageResultIsImmutable(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreateRun(7, time.Now())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	res := &StageResult{Stage: StageTriage, Attempt: 1, Status: StatusSucceeded, Confidence: Float(0.9)}
	if err := run.SaveStageResult(res); err != nil {
		t.Fatalf("SaveStageResult: %v", err)
	}
	if err := run.SaveStageResult(res); err == nil {
		t.Fatal("expected error overwriting a recorded stage result")
	}

	got, err := run.GetStageResult(StageTriage, 1)
	if err != nil {
		t.Fatalf("GetStageResult: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, StatusSucceeded)
	}
	if got.Confidence == nil || *got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
}

func TestPromptAndTranscript(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun(3, time.Now())

	path, err := run.SavePrompt(StageFix, 2, "# Fix\nplease")
	if err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}
	if filepath.Base(path) != "fix-2.prompt.md" {
		t.Errorf("prompt path = %q", path)
	}
	got, err := run.GetPrompt(StageFix, 2)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if got != "# Fix\nplease" {
		t.Errorf("GetPrompt = %q", got)
	}

	if _, err := run.SaveTranscript(StageFix, 2, "line1\nline2"); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	tr, err := run.GetTranscript(StageFix, 2)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if !strings.Contains(tr, "line2") {
		t.Errorf("transcript = %q", tr)
	}
}

func TestPipelineAndOutcome(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun(9, time.Now())

	ps := NewPipelineState(IssueContext{RunID: "r1", Number: 9, Title: "Crash", Branch: "fixall/issue-9", BaseBranch: "develop"}, time.Now())
	_ = ps.Record(StageResult{Stage: StageTriage, Attempt: 1, Status: StatusSucceeded})
	_ = ps.Finalize(OutcomeSkipped, "not fixable")

	if err := run.SavePipeline(ps); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}
	got, err := run.GetPipeline()
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if got.Outcome != OutcomeSkipped || got.Reason != "not fixable" {
		t.Errorf("outcome = %q/%q", got.Outcome, got.Reason)
	}
	if len(got.Stages) != 1 {
		t.Errorf("Stages = %d, want 1", len(got.Stages))
	}

	rec := &OutcomeRecord{RunID: "r1", Issue: 9, Outcome: OutcomeSkipped, ExitCode: OutcomeSkipped.ExitCode()}
	if err := run.SaveOutcome(rec); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	out, err := run.GetOutcome()
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", out.ExitCode)
	}
}

func TestGetPipelineMissing(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun(1, time.Now())
	if _, err := run.GetPipeline(); err == nil {
		t.Fatal("expected error for missing pipeline.json")
	}
}

func TestListAndLatest(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _ = s.CreateRun(1, base)
	_, _ = s.CreateRun(2, base.Add(time.Minute))
	_, _ = s.CreateRun(1, base.Add(2*time.Minute))
	_ = os.MkdirAll(filepath.Join(s.BaseDir(), "not-a-run"), 0o755)

	all, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d, want 3", len(all))
	}
	if all[0].Issue != 1 || !all[0].StartedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("newest run = %+v", all[0])
	}

	ones, _ := s.List(1)
	if len(ones) != 2 {
		t.Errorf("List(1) returned %d, want 2", len(ones))
	}

	latest, err := s.Latest(1)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !strings.HasSuffix(latest.Dir(), "00-02-00-issue-1") {
		t.Errorf("Latest dir = %q", latest.Dir())
	}

	if _, err := s.Latest(99); err == nil {
		t.Fatal("expected error for issue with no runs")
	}
}

func TestListMissingBaseDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	runs, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if runs != nil {
		t.Errorf("expected nil, got %v", runs)
	}
}

func TestOpenRun(t *testing.T) {
	s := newTestStore(t)
	created, _ := s.CreateRun(12, time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC))

	run, err := s.OpenRun(filepath.Base(created.Dir()))
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if run.Dir() != created.Dir() {
		t.Errorf("Dir = %q, want %q", run.Dir(), created.Dir())
	}
	if run.Issue() != 12 {
		t.Errorf("Issue = %d, want 12", run.Issue())
	}

	if _, err := s.OpenRun("missing"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestMetricsAppend(t *testing.T) {
	s := newTestStore(t)

	recs, err := s.ReadMetrics()
	if err != nil {
		t.Fatalf("ReadMetrics on empty store: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}

	_ = s.AppendMetrics(MetricsRecord{RunID: "a", Issue: 1, Outcome: OutcomeCompleted, AggregateConfidence: 0.8})
	_ = s.AppendMetrics(MetricsRecord{RunID: "b", Issue: 2, Outcome: OutcomeFailed})

	// A corrupt line is skipped, not fatal.
	f, _ := os.OpenFile(s.MetricsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{not json\n")
	f.Close()
	_ = s.AppendMetrics(MetricsRecord{RunID: "c", Issue: 3, Outcome: OutcomeSkipped})

	recs, err = s.ReadMetrics()
	if err != nil {
		t.Fatalf("ReadMetrics: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].RunID != "a" || recs[2].RunID != "c" {
		t.Errorf("records out of order: %+v", recs)
	}
}

func TestPipelineStateFinalizeOnce(t *testing.T) {
	ps := NewPipelineState(IssueContext{Number: 5}, time.Now())

	if err := ps.Finalize(OutcomeBlocked, "review blocked"); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	err := ps.Finalize(OutcomeCompleted, "again")
	if !errors.Is(err, ErrFinalized) {
		t.Fatalf("second Finalize error = %v, want ErrFinalized", err)
	}
	if ps.Outcome != OutcomeBlocked {
		t.Errorf("Outcome changed to %q", ps.Outcome)
	}
	if err := ps.Record(StageResult{Stage: StageFix, Attempt: 1}); !errors.Is(err, ErrFinalized) {
		t.Errorf("Record after finalize error = %v, want ErrFinalized", err)
	}
}

func TestPipelineStateLatest(t *testing.T) {
	ps := NewPipelineState(IssueContext{Number: 5}, time.Now())
	_ = ps.Record(StageResult{Stage: StageFix, Attempt: 1, CostUSD: 0.5})
	_ = ps.Record(StageResult{Stage: StageReview, Attempt: 1})
	_ = ps.Record(StageResult{Stage: StageFix, Attempt: 2, CostUSD: 0.25})

	got, ok := ps.Latest(StageFix)
	if !ok || got.Attempt != 2 {
		t.Errorf("Latest(fix) = %+v, %v", got, ok)
	}
	if _, ok := ps.Latest(StageTriage); ok {
		t.Error("Latest(triage) should be absent")
	}
	if n := ps.Attempts(StageFix); n != 2 {
		t.Errorf("Attempts(fix) = %d, want 2", n)
	}
	if c := ps.TotalCost(); c != 0.75 {
		t.Errorf("TotalCost = %v, want 0.75", c)
	}
}

func TestExitCodes(t *testing.T) {
	tests := map[Outcome]int{
		OutcomeCompleted: 0,
		OutcomeFailed:    1,
		OutcomeSkipped:   2,
		OutcomeBlocked:   2,
	}
	for o, want := range tests {
		if got := o.ExitCode(); got != want {
			t.Errorf("%s.ExitCode() = %d, want %d", o, got, want)
		}
	}
}

func TestConfidenceValue(t *testing.T) {
	if v := (StageResult{Status: StatusSucceeded}).ConfidenceValue(); v != 0 {
		t.Errorf("nil confidence = %v, want 0", v)
	}
	if v := (StageResult{Status: StatusFailed, Confidence: Float(0.9)}).ConfidenceValue(); v != 0 {
		t.Errorf("failed stage confidence = %v, want 0", v)
	}
	if v := (StageResult{Status: StatusParseFallback, Confidence: Float(0.3)}).ConfidenceValue(); v != 0.3 {
		t.Errorf("fallback confidence = %v, want 0.3", v)
	}
}

func TestNewPipelineState(t *testing.T) {
	started := time.Date(2025, 3, 4, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	ps := NewPipelineState(IssueContext{RunID: "r2", Number: 7, Branch: "fixall/issue-7", BaseBranch: "develop"}, started)
	if ps.StartedAt != "2025-03-04T09:00:00Z" {
		t.Errorf("StartedAt = %q", ps.StartedAt)
	}
	if ps.Issue != 7 || ps.RunID != "r2" || ps.Finalized() || ps.Stages == nil {
		t.Errorf("state = %+v", ps)
	}
}
