package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run-history database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg.Database.Driver, cfg.Database.DSN.Value())
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Schema is current (%s).\n", database.Dialect())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the run-history tables (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDB(cfg.Database.Driver, cfg.Database.DSN.Value())
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Run history reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
