// Command migrate-tokens seals OAuth tokens that were stored in plaintext (before ENCRYPTION_KEY
// was configured) under the current key.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/onnwee/streamfarm/crypto"
	"github.com/onnwee/streamfarm/db"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := run(context.Background(), os.Args[1:], os.Getenv, os.Stdout); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate-tokens", flag.ContinueOnError)
	fs.SetOutput(out)
	dryRun := fs.Bool("dry-run", false, "Show what would be sealed without making changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn := getenv("DB_DSN")
	if dsn == "" {
		return errors.New("DB_DSN environment variable is required")
	}
	sealer, err := crypto.NewAESSealer(getenv("ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.RunMigrations(database); err != nil {
		return err
	}

	store := &db.TokenStore{DB: database, Sealer: sealer}
	providers, err := store.SealPlaintext(ctx, *dryRun)
	for _, p := range providers {
		verb := "sealed"
		if *dryRun {
			verb = "would seal"
		}
		fmt.Fprintf(out, "%s %s (key %s)\n", verb, p, sealer.KeyID())
	}
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		fmt.Fprintln(out, "no plaintext tokens found")
	}
	return nil
}
