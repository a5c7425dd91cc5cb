package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixall/internal/config"
	"github.com/lucasnoah/fixall/internal/logging"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	envFile    string
	logLevel   string
	logFormat  string

	// exitCode is set by commands that finish without error but must still
	// report a non-zero status.
	exitCode int
)

var rootCmd = &cobra.Command{
	Short: "Automated issue remediation pipeline",
	Use:   "fixall",
	Long: `fixall takes issue numbers, runs each one through TRIAGE, RESEARCH,
FIX and REVIEW stages driven by a coding agent, and opens a draft pull
request when the fix is approved.

Run state is written under the runs directory (JSON per run plus a
metrics.jsonl record); run history is kept in SQLite or PostgreSQL.`,
	SilenceUsage: true,
}

// Execute runs the command tree and returns the process exit code.
func Execute() (int, error) {
	exitCode = 0
	if err := rootCmd.Execute(); err != nil {
		return 1, err
	}
	return exitCode, nil
}

// loadConfig resolves the configuration and applies the log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// loadValidConfig is loadConfig plus validation.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration (run 'fixall config validate'):\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./fixall.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(dbCmd)
}
