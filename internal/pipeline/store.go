package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const (
	metricsFile  = "metrics.jsonl"
	issueFile    = "issue.json"
	pipelineFile = "pipeline.json"
	outcomeFile  = "outcome.json"

	runDirTimeLayout = "2006-01-02_15-04-05"
)

var runDirRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})-issue-(\d+)$`)

// Store manages run directories under a single runs root.
type Store struct {
	baseDir string // defaults to ./runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// MetricsPath returns the path to the append-only metrics file.
func (s *Store) MetricsPath() string {
	return filepath.Join(s.baseDir, metricsFile)
}

// CreateRun makes a fresh run directory for issue. Directory names embed the
// start time so repeated runs of the same issue never collide.
func (s *Store) CreateRun(issue int, started time.Time) (*Run, error) {
	name := fmt.Sprintf("%s-issue-%d", started.UTC().Format(runDirTimeLayout), issue)
	dir := filepath.Join(s.baseDir, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run directory %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Run{dir: dir, issue: issue}, nil
}

// OpenRun returns a handle on an existing run directory.
func (s *Store) OpenRun(dir string) (*Run, error) {
	if !filepath.IsAbs(dir) && filepath.Dir(dir) == "." {
		dir = filepath.Join(s.baseDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("run %s not found: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run %s is not a directory", dir)
	}
	issue := 0
	if m := runDirRe.FindStringSubmatch(filepath.Base(dir)); m != nil {
		issue, _ = strconv.Atoi(m[2])
	}
	return &Run{dir: dir, issue: issue}, nil
}

// RunInfo identifies a run directory.
type RunInfo struct {
	Dir       string
	Issue     int
	StartedAt time.Time
}

// List returns all run directories, newest first. A zero issue returns every run.
func (s *Store) List(issue int) ([]RunInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := runDirRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		if issue != 0 && n != issue {
			continue
		}
		started, err := time.Parse(runDirTimeLayout, m[1])
		if err != nil {
			continue
		}
		runs = append(runs, RunInfo{Dir: filepath.Join(s.baseDir, entry.Name()), Issue: n, StartedAt: started})
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Latest returns the newest run for issue.
func (s *Store) Latest(issue int) (*Run, error) {
	runs, err := s.List(issue)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs found for issue %d", issue)
	}
	return &Run{dir: runs[0].Dir, issue: issue}, nil
}

// AppendMetrics appends one record to metrics.jsonl.
func (s *Store) AppendMetrics(rec MetricsRecord) error {
	return AppendJSONLine(s.MetricsPath(), rec)
}

// ReadMetrics loads every decodable record from metrics.jsonl.
func (s *Store) ReadMetrics() ([]MetricsRecord, error) {
	var recs []MetricsRecord
	_, err := ReadJSONLines(s.MetricsPath(), func(line []byte) error {
		var rec MetricsRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

// Run is a handle on one run directory.
type Run struct {
	dir   string
	issue int
}

// Dir returns the run directory.
func (r *Run) Dir() string {
	return r.dir
}

// Issue returns the issue number encoded in the directory name.
func (r *Run) Issue() int {
	return r.issue
}

// stageBase returns the file stem for a stage attempt: "fix" for the first
// attempt, "fix-2" for the second, and so on.
func stageBase(kind StageKind, attempt int) string {
	if attempt <= 1 {
		return string(kind)
	}
	return fmt.Sprintf("%s-%d", kind, attempt)
}

// PromptPath returns the path of the rendered brief for a stage attempt.
func (r *Run) PromptPath(kind StageKind, attempt int) string {
	return filepath.Join(r.dir, stageBase(kind, attempt)+".prompt.md")
}

// TranscriptPath returns the path of the agent transcript for a stage attempt.
func (r *Run) TranscriptPath(kind StageKind, attempt int) string {
	return filepath.Join(r.dir, stageBase(kind, attempt)+".log")
}

// StatePath returns the path of the stage result for a stage attempt.
func (r *Run) StatePath(kind StageKind, attempt int) string {
	return filepath.Join(r.dir, stageBase(kind, attempt)+".state.json")
}

// SaveIssue writes issue.json.
func (r *Run) SaveIssue(v interface{}) error {
	return WriteJSON(filepath.Join(r.dir, issueFile), v)
}

// GetIssue reads issue.json into v.
func (r *Run) GetIssue(v interface{}) error {
	return ReadJSON(filepath.Join(r.dir, issueFile), v)
}

// SavePrompt writes the rendered brief and returns its path.
func (r *Run) SavePrompt(kind StageKind, attempt int, prompt string) (string, error) {
	path := r.PromptPath(kind, attempt)
	if err := WriteAtomic(path, []byte(prompt)); err != nil {
		return "", fmt.Errorf("save %s prompt: %w", stageBase(kind, attempt), err)
	}
	return path, nil
}

// SaveTranscript writes the agent transcript and returns its path.
func (r *Run) SaveTranscript(kind StageKind, attempt int, transcript string) (string, error) {
	path := r.TranscriptPath(kind, attempt)
	if err := WriteAtomic(path, []byte(transcript)); err != nil {
		return "", fmt.Errorf("save %s transcript: %w", stageBase(kind, attempt), err)
	}
	return path, nil
}

// GetPrompt reads the rendered brief for a stage attempt.
func (r *Run) GetPrompt(kind StageKind, attempt int) (string, error) {
	data, err := os.ReadFile(r.PromptPath(kind, attempt))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetTranscript reads the agent transcript for a stage attempt.
func (r *Run) GetTranscript(kind StageKind, attempt int) (string, error) {
	data, err := os.ReadFile(r.TranscriptPath(kind, attempt))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveStageResult persists a stage result. An existing result for the same
// attempt is never overwritten.
func (r *Run) SaveStageResult(res *StageResult) error {
	path := r.StatePath(res.Stage, res.Attempt)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("stage result %s already recorded", filepath.Base(path))
	}
	return WriteJSON(path, res)
}

// GetStageResult reads a persisted stage result.
func (r *Run) GetStageResult(kind StageKind, attempt int) (*StageResult, error) {
	var res StageResult
	if err := ReadJSON(r.StatePath(kind, attempt), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SavePipeline writes pipeline.json.
func (r *Run) SavePipeline(ps *PipelineState) error {
	return WriteJSON(filepath.Join(r.dir, pipelineFile), ps)
}

// GetPipeline reads pipeline.json.
func (r *Run) GetPipeline() (*PipelineState, error) {
	var ps PipelineState
	if err := ReadJSON(filepath.Join(r.dir, pipelineFile), &ps); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline.json not found in %s", r.dir)
		}
		return nil, err
	}
	return &ps, nil
}

// SaveOutcome writes outcome.json.
func (r *Run) SaveOutcome(rec *OutcomeRecord) error {
	return WriteJSON(filepath.Join(r.dir, outcomeFile), rec)
}

// GetOutcome reads outcome.json.
func (r *Run) GetOutcome() (*OutcomeRecord, error) {
	var rec OutcomeRecord
	if err := ReadJSON(filepath.Join(r.dir, outcomeFile), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
