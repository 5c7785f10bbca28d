// Command scanfleet runs nmap across a scope of targets with a bounded
// pool of supervised sessions.
package main

import (
	"os"

	"github.com/anstrom/scanfleet/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	os.Exit(cli.Execute())
}
