package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opctl/controlplane/cmd/controlplane/commands"
	"github.com/opctl/controlplane/logger"
)

var rootCmd = &cobra.Command{
	Use:   "controlplane",
	Short: "Operational control plane: graph SSoT, event bus, router, chat CP",
	Long: `controlplane runs the synchronous chat request path alongside the
asynchronous graph materialization layer and inference router.

Available commands:
  server              - Start the HTTP/WebSocket server
  canary              - Get or set the router canary percentage feature flag
  replay              - Replay the durable event log into the GML from a checkpoint
  incident-bundle      - Capture a point-in-time snapshot for incident review
  preflight           - Verify /chat and the observability endpoints are reachable`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.toml", "path to config.toml")
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.CanaryCmd)
	rootCmd.AddCommand(commands.ReplayCmd)
	rootCmd.AddCommand(commands.IncidentBundleCmd)
	rootCmd.AddCommand(commands.PreflightCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
