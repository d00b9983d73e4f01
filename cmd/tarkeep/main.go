package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tarkeep/tarkeep/cmd"
	"github.com/tarkeep/tarkeep/pkg/plog"
)

func main() {
	// SIGINT/SIGTERM cancel the run context; the engine releases the
	// destination lock on the way out.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx, os.Args); err != nil {
		plog.Error("Run failed", "error", err)
		plog.CloseFileSink()
		os.Exit(1)
	}
}
