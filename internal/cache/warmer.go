package cache

import (
	"context"
	"log/slog"
	"time"

	"lockpoint/internal/domain"
	"lockpoint/internal/store"
)

// JSONCache is the subset of RedisCache the zone cache uses
type JSONCache interface {
	SetJSONCompressed(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSONCompressed(ctx context.Context, key string, dest any) (bool, error)
	DeletePattern(ctx context.Context, pattern string) error
}

type HitRecorder interface {
	ObserveZoneCache(result string)
}

// ZoneCache serves the active zone list from Redis and falls back to the
// source store on a miss or any cache failure.
type ZoneCache struct {
	cache   JSONCache
	source  store.ZoneSource
	ttl     time.Duration
	metrics HitRecorder
	logger  *slog.Logger
}

var _ store.ZoneSource = (*ZoneCache)(nil)

func NewZoneCache(cache JSONCache, source store.ZoneSource, ttl time.Duration, metrics HitRecorder, logger *slog.Logger) *ZoneCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ZoneCache{
		cache:   cache,
		source:  source,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger.With("component", "zone_cache"),
	}
}

func (z *ZoneCache) ListActiveZones(ctx context.Context) ([]domain.Zone, error) {
	var zones []domain.Zone
	found, err := z.cache.GetJSONCompressed(ctx, KeyActiveZones, &zones)
	switch {
	case err != nil:
		z.observe("error")
		z.logger.Warn("zone cache read failed, using store", "error", err)
	case found:
		z.observe("hit")
		return zones, nil
	default:
		z.observe("miss")
	}

	zones, err = z.source.ListActiveZones(ctx)
	if err != nil {
		return nil, err
	}
	if err := z.cache.SetJSONCompressed(ctx, KeyActiveZones, zones, z.ttl); err != nil {
		z.logger.Warn("zone cache write failed", "error", err)
	}
	return zones, nil
}

// Warm loads the active zones from the store into the cache.
func (z *ZoneCache) Warm(ctx context.Context) error {
	start := time.Now()
	zones, err := z.source.ListActiveZones(ctx)
	if err != nil {
		return err
	}
	if err := z.cache.SetJSONCompressed(ctx, KeyActiveZones, zones, z.ttl); err != nil {
		return err
	}
	z.logger.Info("zone cache warmed", "zones", len(zones), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Invalidate drops every cached zone key; call it after zone writes.
func (z *ZoneCache) Invalidate(ctx context.Context) error {
	if err := z.cache.DeletePattern(ctx, keyZonesGlob); err != nil {
		z.logger.Warn("zone cache invalidation failed", "error", err)
		return err
	}
	z.logger.Debug("zone cache invalidated")
	return nil
}

func (z *ZoneCache) observe(result string) {
	if z.metrics != nil {
		z.metrics.ObserveZoneCache(result)
	}
}
