package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/englishfox90/nina-gateway/internal/eventlog"
)

var migrateDBPath string

// MigrateCmd applies the event log schema to a database file without
// starting the server, for operators provisioning a fresh deployment.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the event log schema to the gateway database",
	RunE:  runMigrate,
}

func init() {
	MigrateCmd.Flags().StringVar(&migrateDBPath, "db-path", "nina-gateway.db", "Event log database path")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	store, err := eventlog.Open(migrateDBPath)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	defer store.Close()

	pterm.Success.Printf("Schema applied to %s\n", migrateDBPath)
	return nil
}
