package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved fixall configuration.
type Config struct {
	Repo       string `koanf:"repo" yaml:"repo"`
	BaseBranch string `koanf:"base_branch" yaml:"base_branch"`
	ProjectDir string `koanf:"project_dir" yaml:"project_dir"`
	RunsDir    string `koanf:"runs_dir" yaml:"runs_dir"`
	PromptsDir string `koanf:"prompts_dir" yaml:"prompts_dir"`

	Tracker   TrackerConfig   `koanf:"tracker" yaml:"tracker"`
	Workspace WorkspaceConfig `koanf:"workspace" yaml:"workspace"`
	Agent     AgentConfig     `koanf:"agent" yaml:"agent"`
	Policy    PolicyConfig    `koanf:"policy" yaml:"policy"`
	Labels    LabelsConfig    `koanf:"labels" yaml:"labels"`
	Database  DatabaseConfig  `koanf:"database" yaml:"database"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
}

// TrackerConfig selects and authenticates the issue tracker driver.
type TrackerConfig struct {
	Driver  string `koanf:"driver" yaml:"driver"` // "gh" or "api"
	Token   Secret `koanf:"token" yaml:"token"`
	BaseURL string `koanf:"base_url" yaml:"base_url,omitempty"`

	// GITHUB_TOKEN lands here and is used only when GH_TOKEN is unset.
	FallbackToken Secret `koanf:"github_token" yaml:"-"`
}

// WorkspaceConfig describes the tool-managed clone the agent works in.
type WorkspaceConfig struct {
	CloneDir     string `koanf:"clone_dir" yaml:"clone_dir"`
	Remote       string `koanf:"remote" yaml:"remote"`
	BranchPrefix string `koanf:"branch_prefix" yaml:"branch_prefix"`
	SkipMarker   string `koanf:"skip_marker" yaml:"skip_marker"`
}

// AgentConfig configures the code-modification agent invocation.
type AgentConfig struct {
	Command     string   `koanf:"command" yaml:"command"`
	Args        []string `koanf:"args" yaml:"args,omitempty"`
	Timeouts    Timeouts `koanf:"timeouts" yaml:"timeouts"`
	TestCommand string   `koanf:"test_command" yaml:"test_command,omitempty"`
	TestParser  string   `koanf:"test_parser" yaml:"test_parser"` // "generic", "gotest" or "vitest"
	TestTimeout string   `koanf:"test_timeout" yaml:"test_timeout"`
}

// Timeouts are per-stage agent deadlines. Values are Go durations ("5m")
// or bare seconds ("300").
type Timeouts struct {
	Triage   string `koanf:"triage" yaml:"triage"`
	Research string `koanf:"research" yaml:"research"`
	Fix      string `koanf:"fix" yaml:"fix"`
	Review   string `koanf:"review" yaml:"review"`
}

// MaxRevisionLimit caps policy.max_revisions: at most three FIX attempts and
// three REVIEW verdicts per run.
const MaxRevisionLimit = 3

// PolicyConfig holds the pipeline decision thresholds.
type PolicyConfig struct {
	MinTriageConfidence   float64 `koanf:"min_triage_confidence" yaml:"min_triage_confidence"`
	MinResearchConfidence float64 `koanf:"min_research_confidence" yaml:"min_research_confidence"`
	MaxRevisions          int     `koanf:"max_revisions" yaml:"max_revisions"`
	MinRevisionConfidence float64 `koanf:"min_revision_confidence" yaml:"min_revision_confidence"`
	LowConfidence         float64 `koanf:"low_confidence" yaml:"low_confidence"`
	HighConfidence        float64 `koanf:"high_confidence" yaml:"high_confidence"`
}

// LabelsConfig names the labels applied to proposed changes.
type LabelsConfig struct {
	Base           string `koanf:"base" yaml:"base"`
	LowConfidence  string `koanf:"low_confidence" yaml:"low_confidence"`
	HighConfidence string `koanf:"high_confidence" yaml:"high_confidence"`
}

// DatabaseConfig locates the run-history database.
type DatabaseConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN    Secret `koanf:"dsn" yaml:"dsn"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "console" or "json"
}

// StageTimeout returns the agent deadline for stage, falling back to the
// built-in default when the configured value is empty or unparseable.
func (c *Config) StageTimeout(stage string) time.Duration {
	var raw string
	switch stage {
	case "triage":
		raw = c.Agent.Timeouts.Triage
	case "research":
		raw = c.Agent.Timeouts.Research
	case "fix":
		raw = c.Agent.Timeouts.Fix
	case "review":
		raw = c.Agent.Timeouts.Review
	}
	if d, err := ParseTimeout(raw); err == nil && d > 0 {
		return d
	}
	return defaultStageTimeouts[stage]
}

// TestTimeout returns the test command deadline.
func (c *Config) TestTimeout() time.Duration {
	if d, err := ParseTimeout(c.Agent.TestTimeout); err == nil && d > 0 {
		return d
	}
	return defaultTestTimeout
}

// ParseTimeout accepts a Go duration or a bare number of seconds.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value.
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON always emits the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML always emits the redacted form.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
