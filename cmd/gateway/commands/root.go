// Package commands implements the gateway CLI's subcommands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/englishfox90/nina-gateway/internal/logger"
)

// RootCmd is the top-level "gateway" command.
var RootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "NINA telemetry gateway",
	Long: `gateway reconstructs a live imaging session from an N.I.N.A.
instance's WebSocket event stream and serves it to dashboards over
HTTP and WebSocket.

Available commands:
  serve    - Run the gateway (upstream link, session FSM, dashboard fan-out)
  migrate  - Apply the event log schema without starting the server
  version  - Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")
	RootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	RootCmd.PersistentFlags().StringP("config", "c", "", "Path to gateway.toml (defaults to ./gateway.toml)")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(MigrateCmd)
}

// Execute runs the root command, exiting the process with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
