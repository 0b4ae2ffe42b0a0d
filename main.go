package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/bluegreen/internal/cli"
	"github.com/chainguard-dev/clog"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

func main() {
	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := cli.New(version, os.Stdout).Run(ctx, os.Args); err != nil {
		clog.ErrorContext(ctx, "bluegreen failed", "error", err)
		stop()
		os.Exit(1)
	}
}
