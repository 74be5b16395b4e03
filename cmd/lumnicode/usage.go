package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/lumnicode/internal/db"
	"github.com/jonathan/lumnicode/internal/keys"
)

var resetUsageCmd = &cobra.Command{
	Use:   "reset-usage",
	Short: "Reset the monthly usage counter of every stored provider key",
	Long:  `Reset current-month usage on all keys. Run it from a scheduler at the start of each billing month.`,
	RunE:  runResetUsage,
}

func init() {
	rootCmd.AddCommand(resetUsageCmd)
}

func runResetUsage(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}

	database, err := db.Connect(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Only the store is touched by a reset.
	manager := keys.NewManager(database.Keys(), nil, nil, nil)
	n, err := manager.ResetMonthlyUsage(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset monthly usage on %d keys\n", n)
	return nil
}
