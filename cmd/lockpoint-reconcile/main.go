// lockpoint-reconcile runs one reconciliation pass against Postgres and
// prints the result as JSON. It is the cron entry point when the server's
// own scheduler is disabled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"lockpoint/internal/config"
	"lockpoint/internal/observability"
	"lockpoint/internal/reconcile"
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
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		databaseURL = cfg.DatabaseURL
		rc          = reconcile.Config{
			ExitNoReportAfter:      cfg.ExitNoReportAfter,
			UnknownFirstAlertAfter: cfg.UnknownFirstAlertAfter,
			UnknownRepeatAfter:     cfg.UnknownRepeatAfter,
			HierarchyMaxDepth:      cfg.HierarchyMaxDepth,
		}
		at      string
		verbose bool
	)

	flagSet := pflag.NewFlagSet("lockpoint-reconcile", pflag.ContinueOnError)
	flagSet.StringVar(&databaseURL, "database-url", databaseURL, "postgres DSN (default: $DATABASE_URL)")
	flagSet.DurationVar(&rc.ExitNoReportAfter, "exit-no-report-after", rc.ExitNoReportAfter, "alert on EXIT records without a report older than this")
	flagSet.DurationVar(&rc.UnknownFirstAlertAfter, "unknown-first-alert-after", rc.UnknownFirstAlertAfter, "alert on unknown status older than this")
	flagSet.DurationVar(&rc.UnknownRepeatAfter, "unknown-repeat-after", rc.UnknownRepeatAfter, "cooldown between unknown status alerts")
	flagSet.IntVar(&rc.HierarchyMaxDepth, "max-depth", rc.HierarchyMaxDepth, "unit levels walked when resolving commanders")
	flagSet.StringVar(&at, "now", "", "evaluate as of this RFC 3339 time instead of the current time")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if databaseURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	now := time.Now().UTC()
	if at != "" {
		now, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
	}

	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingServiceName + "-reconcile",
		SampleRatio: cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	pg, err := postgres.Open(ctx, postgres.Options{DSN: databaseURL, Logger: logger})
	if err != nil {
		return err
	}
	defer pg.Close()

	res, err := reconcile.NewEngine(pg, rc, logger).Run(ctx, now)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
