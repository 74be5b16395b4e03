package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/lumnicode/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply, roll back, or inspect database migrations",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	direction := args[0]
	if direction != "up" && direction != "down" && direction != "version" {
		return fmt.Errorf("unknown migration command %q (want up, down or version)", direction)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}

	if direction == "version" {
		version, dirty, err := db.MigrationVersion(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version: %d, dirty: %t\n", version, dirty)
		return nil
	}

	if err := db.RunMigrations(cfg.Database.URL, direction); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
	return nil
}
