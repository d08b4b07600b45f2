package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/server"
	"github.com/cartlift/cartlift/internal/store"
)

var (
	port       int
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the cartlift HTTP server.

The server provides:
  - Beacon endpoints for assignment and event tracking
  - Admin API for experiment management (token protected)
  - Health check endpoint

Example:
  cartlift serve --port 8080`,
	RunE: runServe,
}

func init() {
	defaultPort := 8080
	if p := os.Getenv("CARTLIFT_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	serveCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	serveCmd.Flags().StringVar(&serveToken, "token", os.Getenv("CARTLIFT_TOKEN"), "admin API token (default: generated)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	srv := server.New(s, port, serveToken, log)
	return srv.Start()
}
