// Command migrate manages the ledger schema with the embedded goose
// migrations.
//
// Usage:
//
//	migrate up                 # apply all pending migrations
//	migrate up-by-one          # apply the next migration
//	migrate up-to <version>    # apply up to a version
//	migrate down               # roll back the last migration
//	migrate down-to <version>  # roll back to a version
//	migrate status             # list migrations and when they were applied
//	migrate version            # print the current schema version
//
// DATABASE_URL is read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/yoshidan/anchor-auction/internal/config"
	"github.com/yoshidan/anchor-auction/internal/logging"
	"github.com/yoshidan/anchor-auction/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <command>")
		fmt.Fprintln(os.Stderr, "commands: "+strings.Join(migrations.Commands, ", "))
		os.Exit(2)
	}

	logger := logging.New("info", "text")
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, os.Stdout, command, args...)
}
