package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tally/internal/infrastructure"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("tally is running")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("app exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("tally stopped")
}
