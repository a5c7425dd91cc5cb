package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "fixall.yaml"
	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"

	envPrefix         = "FIXALL_"
	maxConfigFileSize = 1024 * 1024
)

var defaultStageTimeouts = map[string]time.Duration{
	"triage":   3 * time.Minute,
	"research": 5 * time.Minute,
	"fix":      10 * time.Minute,
	"review":   5 * time.Minute,
}

const defaultTestTimeout = 10 * time.Minute

// envKeys maps the established environment variable names onto config keys.
var envKeys = map[string]string{
	"GH_TOKEN":         "tracker.token",
	"GITHUB_TOKEN":     "tracker.github_token",
	"GITHUB_REPO":      "repo",
	"PROJECT_DIR":      "project_dir",
	"TOOL_CLONE_DIR":   "workspace.clone_dir",
	"BASE_BRANCH":      "base_branch",
	"TEST_COMMAND":     "agent.test_command",
	"TRIAGE_TIMEOUT":   "agent.timeouts.triage",
	"RESEARCH_TIMEOUT": "agent.timeouts.research",
	"FIX_TIMEOUT":      "agent.timeouts.fix",
	"REVIEW_TIMEOUT":   "agent.timeouts.review",
	"DATABASE_URL":     "database.dsn",
}

// topLevelKeys are the scalar keys that live outside any section.
var topLevelKeys = map[string]bool{
	"repo":        true,
	"base_branch": true,
	"project_dir": true,
	"runs_dir":    true,
	"prompts_dir": true,
}

// LoadOptions locates the config sources. Empty paths fall back to the
// defaults in the working directory; a missing default file is not an error.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

// Load resolves configuration with precedence (highest first):
//  1. Environment variables (GH_TOKEN, GITHUB_REPO, ..., FIXALL_SECTION_FIELD)
//  2. The .env file, for variables not already in the environment
//  3. The YAML config file
//  4. Built-in defaults
//
// Load does not validate; call Validate on the result.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	path, explicit := opts.ConfigFile, opts.ConfigFile != ""
	if !explicit {
		path = DefaultConfigFile
	}
	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	// godotenv.Load never overrides variables already set in the environment.
	if err := godotenv.Load(envFile); err != nil && !(os.IsNotExist(err) && opts.EnvFile == "") {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if !cfg.Tracker.Token.IsSet() {
		cfg.Tracker.Token = cfg.Tracker.FallbackToken
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// envKey maps an environment variable name to a config key. An empty
// return tells koanf to ignore the variable.
func envKey(name string) string {
	if key, ok := envKeys[name]; ok {
		return key
	}
	if !strings.HasPrefix(name, envPrefix) {
		return ""
	}
	rest := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	if topLevelKeys[rest] {
		return rest
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s too large (%d bytes)", path, info.Size())
	}
	return io.ReadAll(f)
}

// applyDefaults fills every unset field with its built-in value.
func applyDefaults(cfg *Config) {
	setString(&cfg.Repo, "blockapps/strato-platform")
	setString(&cfg.BaseBranch, "develop")
	setString(&cfg.RunsDir, "runs")
	setString(&cfg.PromptsDir, "prompts")
	if cfg.ProjectDir == "" {
		parts := strings.Split(cfg.Repo, "/")
		cfg.ProjectDir = filepath.Join("..", parts[len(parts)-1])
	}

	setString(&cfg.Tracker.Driver, "gh")

	setString(&cfg.Workspace.CloneDir, ".tool-clone")
	setString(&cfg.Workspace.Remote, "origin")
	setString(&cfg.Workspace.BranchPrefix, "fixall/issue-")
	setString(&cfg.Workspace.SkipMarker, ".fixall-skip")

	setString(&cfg.Agent.Command, "claude")
	if len(cfg.Agent.Args) == 0 {
		cfg.Agent.Args = []string{"--dangerously-skip-permissions", "--verbose", "--output-format", "stream-json", "--print"}
	}
	setString(&cfg.Agent.Timeouts.Triage, defaultStageTimeouts["triage"].String())
	setString(&cfg.Agent.Timeouts.Research, defaultStageTimeouts["research"].String())
	setString(&cfg.Agent.Timeouts.Fix, defaultStageTimeouts["fix"].String())
	setString(&cfg.Agent.Timeouts.Review, defaultStageTimeouts["review"].String())
	setString(&cfg.Agent.TestTimeout, defaultTestTimeout.String())
	setString(&cfg.Agent.TestParser, "generic")

	setFloat(&cfg.Policy.MinTriageConfidence, 0.6)
	setFloat(&cfg.Policy.MinResearchConfidence, 0.4)
	if cfg.Policy.MaxRevisions == 0 {
		cfg.Policy.MaxRevisions = 3
	}
	setFloat(&cfg.Policy.MinRevisionConfidence, 0.5)
	setFloat(&cfg.Policy.LowConfidence, 0.6)
	setFloat(&cfg.Policy.HighConfidence, 0.8)

	setString(&cfg.Labels.Base, "ai-fixes-experimental")
	setString(&cfg.Labels.LowConfidence, "low-confidence")
	setString(&cfg.Labels.HighConfidence, "high-confidence")

	if cfg.Database.Driver == "" && isPostgresDSN(cfg.Database.DSN.Value()) {
		cfg.Database.Driver = "postgres"
	}
	setString(&cfg.Database.Driver, "sqlite")
	if !cfg.Database.DSN.IsSet() && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = Secret(filepath.Join(cfg.RunsDir, "fixall.db"))
	}

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "console")
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setFloat(field *float64, def float64) {
	if *field == 0 {
		*field = def
	}
}
