package commands

import (
	"github.com/pterm/pterm"

	"github.com/englishfox90/nina-gateway/internal/config"
	"github.com/englishfox90/nina-gateway/internal/version"
)

func printStartupBanner(cfg *config.Config, dbPath string) {
	info := version.Get()

	pterm.Println(pterm.Cyan("┌─────────────────────────────────────────┐"))
	pterm.Println(pterm.Cyan("│") + "  " + pterm.LightCyan("NINA Telemetry Gateway") + "                 " + pterm.Cyan("│"))
	pterm.Println(pterm.Cyan("└─────────────────────────────────────────┘"))

	pterm.Printf("%s %s (%s)\n", pterm.Gray("Version: "), info.Version, info.Short())
	pterm.Printf("%s %s:%d\n", pterm.Gray("Upstream:"), cfg.Nina.Host, cfg.Nina.Port)
	pterm.Printf("%s :%d\n", pterm.Gray("HTTP:    "), cfg.Server.Port)
	pterm.Printf("%s %s\n", pterm.Gray("Database:"), dbPath)

	pterm.Info.Println("Press Ctrl+C to stop")
}
