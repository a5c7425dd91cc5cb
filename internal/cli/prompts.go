package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/fixall/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage stage brief templates",
}

var promptsExportCmd = &cobra.Command{
	Use:   "export [dir]",
	Short: "Write the built-in stage briefs to a directory for customization",
	Long: `Writes triage.md, research.md, fix.md and review.md. Files in the
configured prompts directory override the built-in briefs. Existing files are
kept unless --force is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.PromptsDir
		}
		force, _ := cmd.Flags().GetBool("force")

		written, err := prompt.ExportTemplates(dir, force)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already exist in %s (use --force to overwrite).\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		return nil
	},
}

func init() {
	promptsExportCmd.Flags().Bool("force", false, "overwrite existing templates")
	promptsCmd.AddCommand(promptsExportCmd)
}
