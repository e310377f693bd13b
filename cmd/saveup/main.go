// SaveUp Coach is a Matrix chat bot for personal savings coaching.
//
// It relays user questions (and PDF documents) to a hosted language model,
// enforces per-user daily usage quotas, tracks savings goals, and sends
// opt-in daily tips and a daily digest.
//
// All configuration comes from environment variables; a .env file in the
// working directory is loaded first when present. See internal/config for
// the full list of variables.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/saveup/coach/common/version"
	"github.com/saveup/coach/internal/app"
	"github.com/saveup/coach/internal/config"
	"github.com/saveup/coach/internal/observability"
)

func main() {
	fmt.Printf("SaveUp Coach\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	coach, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize SaveUp Coach", "err", err)
		os.Exit(1)
	}
	defer coach.Stop()

	if err := coach.Run(); err != nil {
		slog.Error("SaveUp Coach exited with error", "err", err)
		os.Exit(1)
	}
}
