// Package migrations embeds the ledger schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/pressly/goose/v3"
)

// FS holds the SQL migrations, one goose file per schema version.
//
//go:embed *.sql
var FS embed.FS

// ErrUnknownCommand is returned by Run for a command it does not know.
var ErrUnknownCommand = errors.New("unknown migrate command")

// Commands lists what Run accepts.
var Commands = []string{"up", "up-by-one", "up-to <version>", "down", "down-to <version>", "status", "version"}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Run executes one migrate command against db and reports to w.
func Run(ctx context.Context, db *sql.DB, w io.Writer, command string, args ...string) error {
	var target int64
	switch command {
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a version", command)
		}
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%s: bad version %q", command, args[0])
		}
		target = v
	case "up", "up-by-one", "down", "status", "version":
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, command)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	var results []*goose.MigrationResult
	switch command {
	case "up":
		results, err = provider.Up(ctx)
	case "up-by-one":
		var r *goose.MigrationResult
		if r, err = provider.UpByOne(ctx); r != nil {
			results = append(results, r)
		}
	case "up-to":
		results, err = provider.UpTo(ctx, target)
	case "down":
		var r *goose.MigrationResult
		if r, err = provider.Down(ctx); r != nil {
			results = append(results, r)
		}
	case "down-to":
		results, err = provider.DownTo(ctx, target)
	case "status":
		return printStatus(ctx, provider, w)
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "version %d\n", v)
		return nil
	}
	for _, r := range results {
		_, _ = fmt.Fprintln(w, r)
	}
	if errors.Is(err, goose.ErrNoNextVersion) {
		_, _ = fmt.Fprintln(w, "no pending migrations")
		return nil
	}
	return err
}

func printStatus(ctx context.Context, provider *goose.Provider, w io.Writer) error {
	statuses, err := provider.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		applied := "pending"
		if s.State == goose.StateApplied {
			applied = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%-24s %s\n", applied, s.Source.Path)
	}
	return nil
}
