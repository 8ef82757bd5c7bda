// Command gateway runs the NINA telemetry gateway.
package main

import (
	"github.com/englishfox90/nina-gateway/cmd/gateway/commands"
)

func main() {
	commands.Execute()
}
