// Package main applies the Ferry database schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/ferry/internal/db"
	"github.com/rs/zerolog"
)

func main() {
	var (
		dbURL   = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		showVer = flag.Bool("version", false, "Show current schema version")
		list    = flag.Bool("list", false, "List embedded migrations")
		pending = flag.Bool("pending", false, "List migrations not yet applied")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "migrate").
		Logger()

	if *list {
		printMigrations(0)
		return
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	switch {
	case *showVer:
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to get schema version")
		}
		fmt.Printf("Current schema version: %d\n", version)
	case *pending:
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to get schema version")
		}
		printMigrations(version)
	default:
		logger.Info().Msg("running database migrations")
		if err := database.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("could not get current version")
			return
		}
		logger.Info().Int("version", version).Msg("migrations complete")
	}
}

// printMigrations lists embedded migrations newer than after.
func printMigrations(after int) {
	migrations, err := db.GetMigrations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read migrations: %v\n", err)
		os.Exit(1)
	}

	n := 0
	for _, m := range migrations {
		if m.Version <= after {
			continue
		}
		if n == 0 {
			fmt.Println("Migrations:")
		}
		fmt.Printf("  %03d: %s\n", m.Version, m.Name)
		n++
	}
	if n == 0 {
		fmt.Println("No migrations to list")
	}
}
