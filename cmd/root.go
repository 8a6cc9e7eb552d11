package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the entry point when mcpgate is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "MCP gateway and orchestrator",
	Long: `mcpgate fronts a fleet of upstream MCP servers behind a single
JSON-RPC endpoint. It keeps one session per upstream, guards each with
a circuit breaker, filters the merged tool catalog per caller role,
and broadcasts health events over WebSocket and Redis.`,
	// Errors are reported by Execute; Cobra's usage dump on every
	// failure is just noise.
	SilenceUsage: true,
}

// SetVersion injects the build version, called from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpgate version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
