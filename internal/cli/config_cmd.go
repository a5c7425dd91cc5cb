package cli

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/fixall/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check and print the resolved fixall configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration before a run",
	Long: `Loads fixall.yaml, the .env file and the environment, then reports every
field a run would reject. Warnings (agent binary missing from PATH, no test
command) do not fail validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, w := range configWarnings(cfg) {
			cmd.Printf("warning: %s\n", w)
		}
		errs := config.Validate(cfg)
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}
		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

// configWarnings lists settings that load fine but will degrade a run.
func configWarnings(cfg *config.Config) []string {
	var out []string
	if cfg.Agent.Command != "" {
		if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
			out = append(out, fmt.Sprintf("agent command %q not found on PATH", cfg.Agent.Command))
		}
	}
	if cfg.Agent.TestCommand == "" {
		out = append(out, "no agent.test_command; reviews run without test results")
	}
	return out
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration, tokens redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var v interface{} = cfg
		if name, _ := cmd.Flags().GetString("section"); name != "" {
			sections := configSections(cfg)
			section, ok := sections[name]
			if !ok {
				names := make([]string, 0, len(sections))
				for n := range sections {
					names = append(names, n)
				}
				sort.Strings(names)
				return fmt.Errorf("unknown section %q (want one of %s)", name, strings.Join(names, ", "))
			}
			v = section
		}

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "yaml":
			data, err := yaml.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cmd.Print(string(data))
		case "json":
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cmd.Println(string(data))
		default:
			return fmt.Errorf("unknown format %q (want yaml or json)", format)
		}
		return nil
	},
}

func configSections(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"tracker":   cfg.Tracker,
		"workspace": cfg.Workspace,
		"agent":     cfg.Agent,
		"policy":    cfg.Policy,
		"labels":    cfg.Labels,
		"database":  cfg.Database,
		"log":       cfg.Log,
	}
}

func init() {
	configShowCmd.Flags().String("section", "", "print one section (tracker, workspace, agent, policy, labels, database, log)")
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
