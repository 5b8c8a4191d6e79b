package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bollardhq/bollard/cmd/bollard/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// First signal cancels the context: dispatch halts, in-flight operations
	// finish. A second signal kills the process the hard way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}
