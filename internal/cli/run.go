package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/agent"
	"github.com/lucasnoah/fixall/internal/checks"
	"github.com/lucasnoah/fixall/internal/db"
	"github.com/lucasnoah/fixall/internal/github"
	"github.com/lucasnoah/fixall/internal/orchestrator"
	"github.com/lucasnoah/fixall/internal/pipeline"
	"github.com/lucasnoah/fixall/internal/secrets"
	"github.com/lucasnoah/fixall/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run <issue> [<issue>...]",
	Short: "Run the pipeline for one or more issues",
	Long: `Processes each issue sequentially through TRIAGE, RESEARCH, FIX and
REVIEW in the tool clone, then opens a draft pull request or comments on the
issue with the reason it stopped.

Exit status: 0 completed, 1 failed, 2 skipped or blocked. With several
issues the worst outcome wins.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issues, err := parseIssues(args)
		if err != nil {
			return err
		}
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var scanner secrets.Scanner
		if s, err := secrets.NewGitleaksScanner(); err == nil {
			scanner = s
		} else {
			log.Warn("secret scanner unavailable, relying on file-name patterns", zap.Error(err))
		}

		ws := workspace.NewManager(&workspace.ExecGit{}, workspace.Options{
			Dir:          cfg.Workspace.CloneDir,
			ProjectDir:   cfg.ProjectDir,
			Repo:         cfg.Repo,
			Remote:       cfg.Workspace.Remote,
			BaseBranch:   cfg.BaseBranch,
			BranchPrefix: cfg.Workspace.BranchPrefix,
			SkipMarker:   cfg.Workspace.SkipMarker,
		}, scanner, log)
		if err := ws.EnsureClone(ctx); err != nil {
			return err
		}
		lock, err := ws.Lock()
		if err != nil {
			return err
		}
		defer lock.Release() //nolint:errcheck

		tracker, err := github.NewTracker(ctx, cfg.Tracker.Driver, cfg.Tracker.Token.Value(), cfg.Repo, cfg.Tracker.BaseURL)
		if err != nil {
			return err
		}

		deps := orchestrator.Deps{
			Store:     pipeline.NewStore(cfg.RunsDir),
			Workspace: ws,
			Tracker:   tracker,
			Agent:     agent.NewClaudeRunner(cfg.Agent.Command, cfg.Agent.Args),
			Tests:     checks.NewRunner(&checks.ExecRunner{}),
			Log:       log,
		}
		if database, err := openDB(cfg.Database.Driver, cfg.Database.DSN.Value()); err == nil {
			defer database.Close()
			deps.Events = database
		} else {
			log.Warn("run history disabled", zap.Error(err))
		}

		log.Info("batch started", zap.Ints("issues", issues), zap.String("repo", cfg.Repo))
		reports, worst := orchestrator.New(cfg, deps).RunBatch(ctx, issues)

		printSummary(cmd.OutOrStdout(), reports, worst)
		exitCode = worst.ExitCode()
		return nil
	},
}

// openDB opens and migrates the run-history database.
func openDB(driver, dsn string) (*db.DB, error) {
	database, err := db.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// parseIssues accepts "42" or "#42".
func parseIssues(args []string) ([]int, error) {
	issues := make([]int, 0, len(args))
	seen := make(map[int]bool)
	for _, a := range args {
		n, err := strconv.Atoi(strings.TrimPrefix(a, "#"))
		if err != nil {
			return nil, fmt.Errorf("invalid issue number %q", a)
		}
		if err := github.ValidateIssueNumber(n); err != nil {
			return nil, err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		issues = append(issues, n)
	}
	return issues, nil
}
