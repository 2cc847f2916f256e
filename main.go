package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kuhlman-labs/workos-user-import/cmd"
)

func main() {
	// Load a local .env, if present, before viper reads the environment.
	// API keys usually live there during development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := cmd.SetupLogging(); err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(2)
	}
	defer cmd.CloseLogging()

	cmd.Init()

	// SIGINT/SIGTERM cancel the context; workers drain and the checkpoint
	// records in-flight chunks as failed so a resume retries them.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(2)
	}
}
