package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"mcpgate/internal/app"
	"mcpgate/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveEnvFile optionally points at a dotenv file loaded before the
// environment is read.
var serveEnvFile string

// serveCmd starts the gateway: the upstream coordinator, the JSON-RPC
// endpoint, the WebSocket broadcaster, and the Redis listeners.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mcpgate gateway server",
	Long: `Starts the gateway server. Upstream MCP servers and role policies
are read from the store directory (MCPGATE_STORE_DIR) and hot-reloaded
on change. All runtime settings come from MCPGATE_* environment
variables, optionally seeded from a dotenv file via --env-file.

The process runs until interrupted; SIGINT and SIGTERM trigger a
graceful shutdown that drains HTTP and closes upstream sessions.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveEnvFile != "" {
		if err := godotenv.Load(serveEnvFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", serveEnvFile, err)
		}
	} else {
		// A local .env is a convenience, not a requirement.
		_ = godotenv.Load()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveDebug {
		cfg.Debug = true
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "Load environment variables from this dotenv file")
}
