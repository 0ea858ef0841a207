// Companion is a voice conversational assistant: wake, listen, reply, and
// remember how past conversations went.
package main

import (
	"fmt"
	"os"

	"github.com/teslashibe/go-companion/cmd/companion/commands"
)

// Set by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersion(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
