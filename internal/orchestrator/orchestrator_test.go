package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/fixall/internal/agent"
	"github.com/lucasnoah/fixall/internal/checks"
	"github.com/lucasnoah/fixall/internal/config"
	"github.com/lucasnoah/fixall/internal/db"
	"github.com/lucasnoah/fixall/internal/github"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/workspace"
)

// --- Scripted agent ---

const (
	triageFixable  = `{"classification":"FIXABLE_CODE","confidence":0.9,"summary":"nil user is dereferenced on login"}`
	researchOK     = `{"confidence":0.8,"root_cause":"handler dereferences a nil user","proposed_fix":"guard the lookup"}`
	fixOK          = `{"confidence":0.85,"files_changed":["auth/login.go"],"summary":"guard nil user"}`
	reviewApprove  = `{"verdict":"APPROVE","approved":true,"confidence":0.75}`
	reviewRevise   = `{"verdict":"REQUEST_CHANGES","approved":false,"confidence":0.9,"concerns":["missing regression test"]}`
	reviewUnsure   = `{"verdict":"REQUEST_CHANGES","approved":false,"confidence":0.3,"concerns":["not sure"]}`
	reviewBlock    = `{"verdict":"BLOCK","approved":false,"confidence":0.9,"concerns":["wrong layer"]}`
	triageHuman    = `{"classification":"NEEDS_HUMAN","confidence":0.95,"summary":"needs a design decision","reasoning":"touches billing","risks":["wide blast radius"]}`
	triageUnsure   = `{"classification":"FIXABLE_CODE","confidence":0.5,"summary":"maybe a typo"}`
	freeTextAnswer = "I looked through the change and it seems fine."
)

// scriptedAgent answers each stage brief with the next scripted reply. The
// last reply of a stage repeats.
type scriptedAgent struct {
	mu       sync.Mutex
	replies  map[string][]string
	calls    map[string]int
	prompts  map[string][]string
	onFix    func(call int)
	panicOn  string
	failWith map[string]error
}

func newScriptedAgent(triage, research, fix string, review ...string) *scriptedAgent {
	return &scriptedAgent{
		replies: map[string][]string{
			"triage":   {triage},
			"research": {research},
			"fix":      {fix},
			"review":   review,
		},
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
	}
}

func stageOf(prompt string) string {
	for prefix, kind := range map[string]string{
		"# Triage:":   "triage",
		"# Research:": "research",
		"# Fix:":      "fix",
		"# Review:":   "review",
	} {
		if strings.HasPrefix(prompt, prefix) {
			return kind
		}
	}
	return "unknown"
}

func (a *scriptedAgent) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	a.mu.Lock()
	kind := stageOf(req.Prompt)
	a.calls[kind]++
	call := a.calls[kind]
	a.prompts[kind] = append(a.prompts[kind], req.Prompt)
	a.mu.Unlock()

	if kind == a.panicOn {
		panic("agent exploded")
	}
	if err := a.failWith[kind]; err != nil {
		return &agent.Result{ExitCode: 1}, err
	}
	if kind == "fix" && a.onFix != nil {
		a.onFix(call)
	}

	replies := a.replies[kind]
	reply := ""
	if len(replies) > 0 {
		reply = replies[len(replies)-1]
		if call <= len(replies) {
			reply = replies[call-1]
		}
	}
	return &agent.Result{
		Transcript: reply,
		Stream:     agent.Stream{ResultText: reply, HasResult: true},
	}, nil
}

// --- Fake workspace ---

type fakeWorkspace struct {
	dir        string
	ahead      int
	files      []string
	headMsg    string
	skip       string
	dirty      []string
	prepareErr error
	commitErr  error
	checkErr   error
	pushErr    error

	commits   []string
	pushed    []string
	finalized []string
}

func (w *fakeWorkspace) Dir() string             { return w.dir }
func (w *fakeWorkspace) BaseBranch() string      { return "develop" }
func (w *fakeWorkspace) Branch(issue int) string { return fmt.Sprintf("fixall/issue-%d", issue) }

func (w *fakeWorkspace) Dirty(ctx context.Context) ([]string, error) { return w.dirty, nil }

func (w *fakeWorkspace) Prepare(ctx context.Context, issue int) (string, error) {
	if w.prepareErr != nil {
		return "", w.prepareErr
	}
	return w.Branch(issue), nil
}

func (w *fakeWorkspace) Commit(ctx context.Context, message string) (bool, error) {
	if w.commitErr != nil {
		return false, w.commitErr
	}
	w.commits = append(w.commits, message)
	return false, nil
}

func (w *fakeWorkspace) CheckCommits(ctx context.Context) error        { return w.checkErr }
func (w *fakeWorkspace) CommitsAhead(ctx context.Context) (int, error) { return w.ahead, nil }

func (w *fakeWorkspace) Diff(ctx context.Context) (string, error) {
	return "diff --git a/auth/login.go b/auth/login.go\n+if user == nil { return errNoUser }", nil
}

func (w *fakeWorkspace) FilesChanged(ctx context.Context) ([]string, error) { return w.files, nil }

func (w *fakeWorkspace) Head() (*workspace.HeadCommit, error) {
	return &workspace.HeadCommit{Hash: "abc123", Message: w.headMsg}, nil
}

func (w *fakeWorkspace) SkipReason() (string, bool) { return w.skip, w.skip != "" }

func (w *fakeWorkspace) Push(ctx context.Context, branch string) error {
	if w.pushErr != nil {
		return w.pushErr
	}
	w.pushed = append(w.pushed, branch)
	return nil
}

func (w *fakeWorkspace) Finalize(ctx context.Context, branch string) {
	w.finalized = append(w.finalized, branch)
}

// commitOnFix makes every FIX attempt leave one commit.
func (w *fakeWorkspace) commitOnFix(call int) {
	w.ahead = call
	w.files = []string{"auth/login.go"}
	w.headMsg = "Guard nil user\n\nConfidence: 0.8"
}

// --- Fake tracker ---

type fakeTracker struct {
	getErr    error
	createErr error
	openPR    *github.PullRequest

	comments []string
	prs      []github.PRCreateOpts
	closed   []int
}

func (f *fakeTracker) GetIssue(ctx context.Context, number int) (*github.Issue, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &github.Issue{
		Number: number,
		Title:  "Login fails",
		Body:   "Login returns 500 when the session expired.",
		Labels: []github.Label{{Name: "bug"}},
	}, nil
}

func (f *fakeTracker) Comment(ctx context.Context, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeTracker) CreatePR(ctx context.Context, opts github.PRCreateOpts) (*github.PullRequest, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.prs = append(f.prs, opts)
	return &github.PullRequest{Number: 77, URL: "https://github.com/acme/app/pull/77", Branch: opts.Branch}, nil
}

func (f *fakeTracker) FindOpenPR(ctx context.Context, branch string) (*github.PullRequest, error) {
	return f.openPR, nil
}

func (f *fakeTracker) ClosePR(ctx context.Context, number int) error {
	f.closed = append(f.closed, number)
	return nil
}

// --- Recording event log and test runner ---

type recordingEvents struct {
	events []string
	checks []string
	runs   []db.RunRecord
}

func (r *recordingEvents) LogPipelineEvent(runID string, issue int, event string, stage string, attempt int, detail string) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) LogCheckRun(runID string, issue int, attempt int, checkName string, passed bool, exitCode int, durationMs int, summary string) error {
	r.checks = append(r.checks, fmt.Sprintf("%s:%v", checkName, passed))
	return nil
}

func (r *recordingEvents) RecordRun(rec db.RunRecord) error {
	r.runs = append(r.runs, rec)
	return nil
}

type fakeTests struct {
	result *checks.Result
	cfgs   []checks.CheckConfig
}

func (f *fakeTests) Run(ctx context.Context, dir string, cfg checks.CheckConfig) (*checks.Result, error) {
	f.cfgs = append(f.cfgs, cfg)
	return f.result, nil
}

// --- Test helpers ---

type harness struct {
	o       *Orchestrator
	store   *pipeline.Store
	agent   *scriptedAgent
	ws      *fakeWorkspace
	tracker *fakeTracker
	events  *recordingEvents
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PromptsDir: t.TempDir(),
		Workspace:  config.WorkspaceConfig{SkipMarker: ".fixall-skip"},
		Policy: config.PolicyConfig{
			MinTriageConfidence:   0.6,
			MinResearchConfidence: 0.4,
			MaxRevisions:          3,
			MinRevisionConfidence: 0.5,
			LowConfidence:         0.6,
			HighConfidence:        0.8,
		},
		Labels: config.LabelsConfig{
			Base:           "ai-fixes-experimental",
			LowConfidence:  "low-confidence",
			HighConfidence: "high-confidence",
		},
	}
}

func newHarness(t *testing.T, a *scriptedAgent) *harness {
	t.Helper()
	h := &harness{
		store:   pipeline.NewStore(t.TempDir()),
		agent:   a,
		ws:      &fakeWorkspace{dir: t.TempDir()},
		tracker: &fakeTracker{},
		events:  &recordingEvents{},
	}
	h.o = New(testConfig(t), Deps{
		Store:     h.store,
		Workspace: h.ws,
		Tracker:   h.tracker,
		Agent:     a,
		Events:    h.events,
	})
	return h
}

func (h *harness) run(t *testing.T, issue int) *Report {
	t.Helper()
	rep, err := h.o.RunIssue(context.Background(), issue)
	if err != nil {
		t.Fatalf("RunIssue: %v", err)
	}
	return rep
}

func assertOutcome(t *testing.T, rep *Report, want pipeline.Outcome) {
	t.Helper()
	if rep.Outcome != want {
		t.Fatalf("outcome = %q (%s), want %q", rep.Outcome, rep.Reason, want)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Tests ---

func TestRunIssue_HappyPath(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeCompleted)

	if rep.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", rep.ExitCode())
	}
	if rep.Confidence != 0.8175 {
		t.Errorf("confidence = %v, want 0.8175", rep.Confidence)
	}
	if rep.PRURL != "https://github.com/acme/app/pull/77" {
		t.Errorf("pr url = %q", rep.PRURL)
	}
	if len(h.tracker.prs) != 1 {
		t.Fatalf("created %d PRs, want 1", len(h.tracker.prs))
	}
	pr := h.tracker.prs[0]
	if pr.Title != "Fix #42: Login fails" {
		t.Errorf("title = %q", pr.Title)
	}
	if !pr.Draft || pr.Branch != "fixall/issue-42" || pr.Base != "develop" {
		t.Errorf("pr opts = %+v", pr)
	}
	if !contains(pr.Labels, "ai-fixes-experimental") || !contains(pr.Labels, "high-confidence") {
		t.Errorf("labels = %v", pr.Labels)
	}
	for _, want := range []string{"`auth/login.go`", "handler dereferences a nil user", "Confidence Breakdown", "Generated by fixall"} {
		if !strings.Contains(pr.Body, want) {
			t.Errorf("PR body missing %q", want)
		}
	}
	if len(h.ws.pushed) != 1 || h.ws.pushed[0] != "fixall/issue-42" {
		t.Errorf("pushed = %v", h.ws.pushed)
	}
	if len(h.ws.finalized) != 1 {
		t.Errorf("finalized %d times, want 1", len(h.ws.finalized))
	}
	if len(h.tracker.comments) != 1 || !strings.Contains(h.tracker.comments[0], rep.PRURL) {
		t.Errorf("comments = %v", h.tracker.comments)
	}
	for kind, want := range map[string]int{"triage": 1, "research": 1, "fix": 1, "review": 1} {
		if a.calls[kind] != want {
			t.Errorf("%s calls = %d, want %d", kind, a.calls[kind], want)
		}
	}
}

func TestRunIssue_PersistsRunArtifacts(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)

	run, err := h.store.OpenRun(rep.RunDir)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	ps, err := run.GetPipeline()
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if ps.Outcome != pipeline.OutcomeCompleted || len(ps.Stages) != 4 {
		t.Errorf("pipeline = %s with %d stages", ps.Outcome, len(ps.Stages))
	}
	out, err := run.GetOutcome()
	if err != nil {
		t.Fatalf("GetOutcome: %v", err)
	}
	if out.ExitCode != 0 || out.PRURL == "" {
		t.Errorf("outcome record = %+v", out)
	}

	metrics, err := h.store.ReadMetrics()
	if err != nil {
		t.Fatalf("ReadMetrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Classification != "FIXABLE_CODE" {
		t.Errorf("metrics = %+v", metrics)
	}

	if len(h.events.runs) != 1 || h.events.runs[0].Outcome != "completed" {
		t.Errorf("recorded runs = %+v", h.events.runs)
	}
	for _, ev := range []string{"started", "stage_finished", "pushed", "pr_created", "finished"} {
		if !contains(h.events.events, ev) {
			t.Errorf("missing event %q in %v", ev, h.events.events)
		}
	}
}

func TestRunIssue_TriageNeedsHuman(t *testing.T) {
	a := newScriptedAgent(triageHuman, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeSkipped)

	if rep.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", rep.ExitCode())
	}
	if a.calls["research"] != 0 || a.calls["fix"] != 0 {
		t.Errorf("stages after triage ran: %v", a.calls)
	}
	if len(h.tracker.prs) != 0 {
		t.Error("no PR expected")
	}
	if len(h.tracker.comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(h.tracker.comments))
	}
	c := h.tracker.comments[0]
	for _, want := range []string{"`NEEDS_HUMAN`", "requires human review", "wide blast radius"} {
		if !strings.Contains(c, want) {
			t.Errorf("comment missing %q:\n%s", want, c)
		}
	}
}

func TestRunIssue_TriageLowConfidence(t *testing.T) {
	a := newScriptedAgent(triageUnsure, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeSkipped)
	if !strings.Contains(rep.Reason, "0.50") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if a.calls["research"] != 0 {
		t.Error("research should not run")
	}
}

func TestRunIssue_TriageFallbackSkips(t *testing.T) {
	a := newScriptedAgent(freeTextAnswer, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeSkipped)
	if !strings.Contains(rep.Reason, "NEEDS_CLARIFICATION") {
		t.Errorf("reason = %q", rep.Reason)
	}
}

func TestRunIssue_TriageAgentFailure(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	a.failWith = map[string]error{"triage": errors.New("exit status 1")}
	h := newHarness(t, a)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if rep.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", rep.ExitCode())
	}
	if len(h.tracker.comments) != 1 || !strings.Contains(h.tracker.comments[0], "Automated Fix Failed") {
		t.Errorf("comments = %v", h.tracker.comments)
	}
}

func TestRunIssue_ResearchFailureTolerated(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	a.failWith = map[string]error{"research": errors.New("exit status 1")}
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeCompleted)
	// research contributes 0: .15*.9 + .35*.85 + .30*.75
	if rep.Confidence != 0.6575 {
		t.Errorf("confidence = %v, want 0.6575", rep.Confidence)
	}
	if len(h.tracker.prs) != 1 || contains(h.tracker.prs[0].Labels, "high-confidence") {
		t.Errorf("prs = %+v", h.tracker.prs)
	}
}

func TestRunIssue_RevisionBound(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewRevise)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeBlocked)

	if a.calls["fix"] != 3 || a.calls["review"] != 3 {
		t.Errorf("calls = %v, want 3 fix and 3 review", a.calls)
	}
	if rep.Revisions != 2 {
		t.Errorf("revisions = %d, want 2", rep.Revisions)
	}
	if len(h.tracker.prs) != 0 || len(h.ws.pushed) != 0 {
		t.Error("blocked run must not publish a PR")
	}
	second := a.prompts["fix"][1]
	if !strings.Contains(second, "missing regression test") || !strings.Contains(second, "Attempt: 2 of 3") {
		t.Errorf("second fix brief lacks feedback:\n%s", second)
	}
	if !strings.Contains(h.tracker.comments[0], "Automated Fix Blocked") {
		t.Errorf("comment = %s", h.tracker.comments[0])
	}
}

func TestRunIssue_RevisionBudgetCapped(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewRevise)
	h := newHarness(t, a)
	h.o.cfg.Policy.MaxRevisions = 6
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeBlocked)
	if a.calls["fix"] != 3 || a.calls["review"] != 3 {
		t.Errorf("calls = %v, want 3 fix and 3 review", a.calls)
	}
}

func TestRunIssue_RevisionThenApprove(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewRevise, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeCompleted)
	if rep.Revisions != 1 || a.calls["fix"] != 2 {
		t.Errorf("revisions = %d, fix calls = %d", rep.Revisions, a.calls["fix"])
	}
	if !contains(h.events.events, "revision_requested") {
		t.Error("expected revision_requested event")
	}
}

func TestRunIssue_LowConfidenceRevisionBlocks(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewUnsure)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeBlocked)
	if a.calls["fix"] != 1 {
		t.Errorf("fix calls = %d, want 1", a.calls["fix"])
	}
}

func TestRunIssue_ReviewBlock(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewBlock)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeBlocked)
	if !strings.Contains(rep.Reason, "wrong layer") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if !strings.Contains(h.tracker.comments[0], "`BLOCK`") {
		t.Errorf("comment = %s", h.tracker.comments[0])
	}
}

func TestRunIssue_SecretGuard(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix
	h.ws.checkErr = fmt.Errorf("%w: .env", workspace.ErrSecretExposure)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if !strings.Contains(rep.Reason, "secret guard") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if a.calls["review"] != 0 {
		t.Error("review should not run after the guard trips")
	}
	if len(h.ws.pushed) != 0 || len(h.tracker.prs) != 0 {
		t.Error("nothing may be pushed after the guard trips")
	}
	if len(h.ws.finalized) != 1 {
		t.Error("workspace must be restored")
	}
}

func TestRunIssue_ReviewFallbackNeedsManualReview(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, freeTextAnswer)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeCompleted)
	// review fallback counts 0.5: .135 + .16 + .2975 + .15
	if rep.Confidence != 0.7425 {
		t.Errorf("confidence = %v, want 0.7425", rep.Confidence)
	}
	pr := h.tracker.prs[0]
	if !strings.Contains(pr.Body, "Manual review required") {
		t.Errorf("PR body lacks manual review notice:\n%s", pr.Body)
	}
	if len(pr.Labels) != 1 || pr.Labels[0] != "ai-fixes-experimental" {
		t.Errorf("labels = %v", pr.Labels)
	}
}

func TestRunIssue_FixWithoutChanges(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeSkipped)
	if !strings.Contains(rep.Reason, "no changes") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if a.calls["review"] != 0 {
		t.Error("review should not run without commits")
	}
	if !strings.Contains(h.tracker.comments[0], "did not produce any code changes") {
		t.Errorf("comment = %s", h.tracker.comments[0])
	}
}

func TestRunIssue_FixFallbackWithCommits(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, freeTextAnswer, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeCompleted)
	// fix confidence comes from the commit trailer: .135 + .16 + .35*.8 + .225
	if rep.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", rep.Confidence)
	}
}

func TestRunIssue_SkipMarker(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, freeTextAnswer, reviewApprove)
	h := newHarness(t, a)
	a.onFix = func(int) { h.ws.skip = "needs a schema migration" }

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeSkipped)
	if !strings.Contains(rep.Reason, "needs a schema migration") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if len(h.ws.commits) != 0 {
		t.Errorf("commits = %v, want none", h.ws.commits)
	}
	if !strings.Contains(h.tracker.comments[0], "Declined") {
		t.Errorf("comment = %s", h.tracker.comments[0])
	}
}

func TestRunIssue_PanicBecomesFailure(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	a.panicOn = "review"
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if !strings.Contains(rep.Reason, "internal error") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if len(h.ws.finalized) != 1 {
		t.Error("workspace must be restored after a panic")
	}
	if len(h.tracker.comments) != 1 {
		t.Error("tracker must be told about the failure")
	}
}

func TestRunIssue_DirtyWorkspaceIsLeftAlone(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	h.ws.dirty = []string{"a.go"}
	h.tracker.openPR = &github.PullRequest{Number: 12, URL: "https://github.com/acme/app/pull/12"}

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if !strings.Contains(rep.Reason, "a.go") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if len(h.ws.finalized) != 0 {
		t.Error("a dirty workspace must not be reset")
	}
	if len(h.tracker.closed) != 0 {
		t.Errorf("closed PRs %v on a dirty workspace", h.tracker.closed)
	}
	if len(a.calls) != 0 {
		t.Errorf("agent ran: %v", a.calls)
	}
}

func TestRunIssue_DirtyOnPrepareIsLeftAlone(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	h.ws.prepareErr = fmt.Errorf("%w: a.go", workspace.ErrDirtyWorkspace)

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if len(h.ws.finalized) != 0 {
		t.Error("a dirty workspace must not be reset")
	}
}

func TestRunIssue_PrepareFailureRestores(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	h.ws.prepareErr = errors.New("fetch origin: network down")

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if len(h.ws.finalized) != 1 {
		t.Error("workspace should be restored")
	}
}

func TestRunIssue_FetchIssueFails(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	h.tracker.getErr = errors.New("not found")

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if !strings.Contains(rep.Reason, "fetch issue") {
		t.Errorf("reason = %q", rep.Reason)
	}
	if len(h.ws.finalized) != 0 {
		t.Error("workspace was never prepared")
	}
}

func TestRunIssue_ClosesStalePR(t *testing.T) {
	a := newScriptedAgent(triageHuman, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	h.tracker.openPR = &github.PullRequest{Number: 12, URL: "https://github.com/acme/app/pull/12"}

	h.run(t, 42)
	if len(h.tracker.closed) != 1 || h.tracker.closed[0] != 12 {
		t.Errorf("closed = %v", h.tracker.closed)
	}
}

func TestRunIssue_PublicationFailure(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix
	h.tracker.createErr = errors.New("validation failed")

	rep := h.run(t, 42)
	assertOutcome(t, rep, pipeline.OutcomeFailed)
	if !strings.Contains(rep.Reason, "open pull request") {
		t.Errorf("reason = %q", rep.Reason)
	}
}

func TestRunIssue_TestCommandReachesReview(t *testing.T) {
	a := newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)
	a.onFix = h.ws.commitOnFix
	tests := &fakeTests{result: &checks.Result{CheckName: "test", Passed: true, Summary: "ok 4 packages"}}
	h.o.tests = tests
	h.o.cfg.Agent.TestCommand = "go test ./..."
	h.o.cfg.Agent.TestParser = "gotest"

	h.run(t, 42)
	if len(tests.cfgs) != 1 || tests.cfgs[0].Parser != "gotest" {
		t.Fatalf("test runs = %+v", tests.cfgs)
	}
	review := a.prompts["review"][0]
	if !strings.Contains(review, "PASSED: ok 4 packages") {
		t.Errorf("review brief lacks test result:\n%s", review)
	}
	if len(h.events.checks) != 1 || h.events.checks[0] != "test:true" {
		t.Errorf("check runs = %v", h.events.checks)
	}
}

func TestRunIssue_InvalidNumber(t *testing.T) {
	h := newHarness(t, newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove))
	if _, err := h.o.RunIssue(context.Background(), 0); err == nil {
		t.Fatal("expected error for issue 0")
	}
}

func TestRunBatch_WorstOutcome(t *testing.T) {
	a := newScriptedAgent(triageHuman, researchOK, fixOK, reviewApprove)
	h := newHarness(t, a)

	reports, worst := h.o.RunBatch(context.Background(), []int{7, 0})
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].Outcome != pipeline.OutcomeSkipped || reports[1].Outcome != pipeline.OutcomeFailed {
		t.Errorf("outcomes = %s, %s", reports[0].Outcome, reports[1].Outcome)
	}
	if worst != pipeline.OutcomeFailed || worst.ExitCode() != 1 {
		t.Errorf("worst = %s", worst)
	}
}

func TestRunBatch_Cancelled(t *testing.T) {
	h := newHarness(t, newScriptedAgent(triageFixable, researchOK, fixOK, reviewApprove))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, worst := h.o.RunBatch(ctx, []int{1, 2})
	if len(reports) != 0 {
		t.Errorf("reports = %d, want 0", len(reports))
	}
	if worst != pipeline.OutcomeFailed {
		t.Errorf("worst = %s", worst)
	}
}
