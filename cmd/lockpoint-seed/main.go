// lockpoint-seed applies a YAML fixture of units, soldiers and zones to
// Postgres. Reapplying the same fixture is a no-op.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"lockpoint/internal/config"
	"lockpoint/internal/seed"
	"lockpoint/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config.LoadDotEnv()

	var (
		databaseURL = os.Getenv("DATABASE_URL")
		file        = os.Getenv("SEED_FILE")
		dryRun      bool
	)

	flagSet := pflag.NewFlagSet("lockpoint-seed", pflag.ContinueOnError)
	flagSet.StringVar(&databaseURL, "database-url", databaseURL, "postgres DSN (default: $DATABASE_URL)")
	flagSet.StringVarP(&file, "file", "f", file, "YAML fixture to apply (default: $SEED_FILE)")
	flagSet.BoolVar(&dryRun, "dry-run", false, "validate the fixture without writing")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if file == "" {
		return fmt.Errorf("--file or SEED_FILE is required")
	}

	fixture, err := seed.LoadFile(file)
	if err != nil {
		return err
	}

	sum := seed.Summary{Units: len(fixture.Units), Soldiers: len(fixture.Soldiers), Zones: len(fixture.Zones)}
	if !dryRun {
		if databaseURL == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		ctx := context.Background()

		pg, err := postgres.Open(ctx, postgres.Options{DSN: databaseURL, Logger: logger})
		if err != nil {
			return err
		}
		defer pg.Close()

		if sum, err = seed.Apply(ctx, pg, fixture); err != nil {
			return err
		}
	}

	return json.NewEncoder(os.Stdout).Encode(struct {
		DryRun bool `json:"dryRun"`
		seed.Summary
	}{dryRun, sum})
}
