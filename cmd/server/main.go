// Command server runs the NFT auction service.
//
// Configuration comes from the environment or a .env file; see
// internal/config. Without DATABASE_URL the ledger lives in memory and is
// lost on exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/yoshidan/anchor-auction/internal/config"
	"github.com/yoshidan/anchor-auction/internal/logging"
	"github.com/yoshidan/anchor-auction/internal/server"
)

// Set by -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting anchor-auction",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"program_id", cfg.ProgramID,
		"clock_offset_seconds", cfg.ClockOffsetSeconds,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
