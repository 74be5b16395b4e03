// Package main provides the entry point for the Lumnicode API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/lumnicode/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "lumnicode",
	Short: "Lumnicode API server",
	Long: "Lumnicode is the backend of a cloud code editor: it stores per-user LLM provider keys, " +
		"proxies inline AI assistance, and generates whole projects with live progress updates.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: ./lumnicode.yaml if present)")
}

// loadConfig reads configuration for the current command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
