package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lockpoint/internal/cache"
	"lockpoint/internal/config"
	"lockpoint/internal/handler"
	"lockpoint/internal/hub"
	"lockpoint/internal/middleware"
	"lockpoint/internal/observability"
	"lockpoint/internal/reconcile"
	"lockpoint/internal/seed"
	"lockpoint/internal/store"
	"lockpoint/internal/store/postgres"
	"lockpoint/internal/tracker"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting lockpoint server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"postgres", cfg.DatabaseURL != "",
		"redis_enabled", cfg.RedisEnabled,
		"reconcile_enabled", cfg.ReconcileEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingServiceName,
		SampleRatio: cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	var (
		repo   store.Repository
		pinger handler.Pinger
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, postgres.Options{DSN: cfg.DatabaseURL, Logger: logger})
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		repo, pinger = pg, pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		repo = store.New()
	}

	if cfg.SeedFile != "" {
		fixture, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			logger.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		sum, err := seed.Apply(ctx, repo, fixture)
		if err != nil {
			logger.Error("failed to apply seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		logger.Info("seed applied", "units", sum.Units, "soldiers", sum.Soldiers, "zones", sum.Zones)
	}

	var (
		zones     store.ZoneSource = repo
		zoneCache *cache.ZoneCache
	)
	if cfg.RedisEnabled {
		rc, err := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, zone cache disabled", "error", err)
		} else {
			defer rc.Close()
			zoneCache = cache.NewZoneCache(rc, repo, cfg.ZoneCacheTTL, metrics, logger)
			zones = zoneCache
			if cfg.CacheWarmOnStart {
				if err := zoneCache.Warm(ctx); err != nil {
					logger.Warn("zone cache warm failed", "error", err)
				}
			}
		}
	}

	wsHub := hub.NewHub(logger, metrics)
	tr := tracker.New(zones, repo, wsHub, metrics, tracker.Config{
		DistanceFilterMeters: cfg.DistanceFilterMeters,
		ZoneRefreshInterval:  cfg.ZoneRefreshInterval,
	}, logger)
	engine := reconcile.NewEngine(repo, reconcile.Config{
		ExitNoReportAfter:      cfg.ExitNoReportAfter,
		UnknownFirstAlertAfter: cfg.UnknownFirstAlertAfter,
		UnknownRepeatAfter:     cfg.UnknownRepeatAfter,
		HierarchyMaxDepth:      cfg.HierarchyMaxDepth,
	}, logger, reconcile.WithMetrics(metrics), reconcile.WithBroadcaster(wsHub))

	onZonesChanged := func(ctx context.Context) {
		if zoneCache != nil {
			if err := zoneCache.Invalidate(ctx); err != nil {
				logger.Warn("zone cache invalidate failed", "error", err)
			}
		}
		if err := tr.RefreshZones(ctx); err != nil {
			logger.Warn("zone refresh after write failed", "error", err)
		}
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.RateLimitWhitelist, logger)

	router := handler.NewRouter(handler.Routes{
		API:       handler.NewHTTPHandler(repo, zones, tr, engine, onZonesChanged, logger),
		WS:        handler.NewWSHandler(wsHub, repo, logger),
		Health:    handler.NewHealthHandler(tr, pinger),
		Stats:     handler.NewStatsHandler(tr, engine, wsHub, limiter.Stats),
		Metrics:   metrics,
		RateLimit: limiter.Middleware,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)

	go tr.Run(ctx)

	go limiter.Run(ctx)

	if cfg.ReconcileEnabled {
		go reconcile.NewScheduler(engine, cfg.ReconcileInterval, logger).Run(ctx)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
