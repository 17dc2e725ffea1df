// Command batchwatch polls asynchronous batch jobs and publishes their
// status changes.
package main

import (
	"context"
	"os"

	"github.com/3leaps/batchwatch/internal/cmd"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute(context.Background()))
}
