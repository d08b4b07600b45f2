package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath string
)

var rootCmd = &cobra.Command{
	Use:   "cartlift",
	Short: "Cartlift - a self-hosted A/B testing engine for checkout and cart offers",
	Long: `Cartlift runs controlled experiments on storefront checkout offers:
discounts, shipping thresholds, bundle prices. Single Go binary, embedded
SQLite, deterministic visitor bucketing, two-proportion significance testing.

Running without a subcommand starts the server (same as 'cartlift serve').`,
	RunE: runServe, // Default action is to start the server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("CARTLIFT_DB_PATH", "./cartlift.db"), "database path")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
