// Command gapctl is the operator CLI for a gapscout deployment.
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("loading .env", "error", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("gapctl failed", "error", err)
		os.Exit(1)
	}
}
