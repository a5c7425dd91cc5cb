package config

import (
	"fmt"
	"regexp"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const maxStageTimeout = time.Hour

var repoRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

var (
	trackerDrivers  = map[string]bool{"gh": true, "api": true}
	databaseDrivers = map[string]bool{"sqlite": true, "postgres": true}
	testParsers     = map[string]bool{"generic": true, "gotest": true, "vitest": true}
	logFormats      = map[string]bool{"console": true, "json": true}
	logLevels       = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !repoRe.MatchString(cfg.Repo) {
		add("repo", "must be in owner/repo form, got %q", cfg.Repo)
	}
	if cfg.BaseBranch == "" {
		add("base_branch", "is required")
	}
	if !cfg.Tracker.Token.IsSet() {
		add("tracker.token", "GH_TOKEN or GITHUB_TOKEN must be set")
	}
	if !trackerDrivers[cfg.Tracker.Driver] {
		add("tracker.driver", "unrecognized driver %q (want gh or api)", cfg.Tracker.Driver)
	}
	if cfg.Workspace.CloneDir == "" {
		add("workspace.clone_dir", "is required")
	}
	if cfg.Agent.Command == "" {
		add("agent.command", "is required")
	}
	if !testParsers[cfg.Agent.TestParser] {
		add("agent.test_parser", "unrecognized parser %q (want generic, gotest or vitest)", cfg.Agent.TestParser)
	}

	for _, tt := range []struct {
		field string
		value string
	}{
		{"agent.timeouts.triage", cfg.Agent.Timeouts.Triage},
		{"agent.timeouts.research", cfg.Agent.Timeouts.Research},
		{"agent.timeouts.fix", cfg.Agent.Timeouts.Fix},
		{"agent.timeouts.review", cfg.Agent.Timeouts.Review},
		{"agent.test_timeout", cfg.Agent.TestTimeout},
	} {
		d, err := ParseTimeout(tt.value)
		switch {
		case err != nil:
			add(tt.field, "invalid duration %q", tt.value)
		case d <= 0:
			add(tt.field, "must be positive")
		case d > maxStageTimeout:
			add(tt.field, "too large (%s > %s)", d, maxStageTimeout)
		}
	}

	for _, tt := range []struct {
		field string
		value float64
	}{
		{"policy.min_triage_confidence", cfg.Policy.MinTriageConfidence},
		{"policy.min_research_confidence", cfg.Policy.MinResearchConfidence},
		{"policy.min_revision_confidence", cfg.Policy.MinRevisionConfidence},
		{"policy.low_confidence", cfg.Policy.LowConfidence},
		{"policy.high_confidence", cfg.Policy.HighConfidence},
	} {
		if tt.value < 0 || tt.value > 1 {
			add(tt.field, "must be between 0 and 1, got %v", tt.value)
		}
	}
	if cfg.Policy.LowConfidence > cfg.Policy.HighConfidence {
		add("policy.low_confidence", "must not exceed policy.high_confidence")
	}
	if cfg.Policy.MaxRevisions < 1 || cfg.Policy.MaxRevisions > MaxRevisionLimit {
		add("policy.max_revisions", "must be between 1 and %d, got %d", MaxRevisionLimit, cfg.Policy.MaxRevisions)
	}

	if cfg.Labels.Base == "" {
		add("labels.base", "is required")
	}
	if !databaseDrivers[cfg.Database.Driver] {
		add("database.driver", "unrecognized driver %q (want sqlite or postgres)", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && !isPostgresDSN(cfg.Database.DSN.Value()) {
		add("database.dsn", "postgres driver needs a postgres:// DSN")
	}
	if !logFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}
	if !logLevels[cfg.Log.Level] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}

	return errs
}
