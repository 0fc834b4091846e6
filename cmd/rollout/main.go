package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if err := Execute(ctx); err != nil {
		slog.Error("rollout failed", "error", err)
		stop()
		os.Exit(1)
	}
	stop()
}
