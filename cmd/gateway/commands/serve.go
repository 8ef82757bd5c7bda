package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/englishfox90/nina-gateway/internal/config"
	"github.com/englishfox90/nina-gateway/internal/gateway"
)

var serveDBPath string

// ServeCmd starts the gateway process.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "run"},
	Short:   "Run the gateway",
	RunE:    runServe,
}

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Event log database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "gateway.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		dbPath = "nina-gateway.db"
	}

	g, err := gateway.New(cfg, dbPath)
	if err != nil {
		return fmt.Errorf("construct gateway: %w", err)
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		pterm.Warning.Printf("config hot-reload disabled: %v\n", err)
	} else {
		g.AttachWatcher(watcher)
	}

	printStartupBanner(cfg, dbPath)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- g.Start(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		if err != nil {
			return fmt.Errorf("gateway exited: %w", err)
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
		cancel()

		stopDone := make(chan error, 1)
		go func() { stopDone <- g.Stop() }()

		select {
		case err := <-stopDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Println("Gateway stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
