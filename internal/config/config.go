package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DatabaseURL string
	SeedFile    string

	ReconcileEnabled       bool
	ReconcileInterval      time.Duration
	ExitNoReportAfter      time.Duration
	UnknownFirstAlertAfter time.Duration
	UnknownRepeatAfter     time.Duration
	HierarchyMaxDepth      int

	DistanceFilterMeters float64
	ZoneRefreshInterval  time.Duration

	RedisEnabled     bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ZoneCacheTTL     time.Duration
	CacheWarmOnStart bool

	RateLimitPerSecond float64
	RateLimitBurst     int
	RateLimitWhitelist []string

	TracingEnabled     bool
	TracingServiceName string
	TracingSampleRatio float64
}

// LoadDotEnv loads the given env files, or .env.local then .env when none
// are named. Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SeedFile:    getEnv("SEED_FILE", ""),

		ReconcileEnabled:       getBoolEnv("RECONCILE_ENABLED", true),
		ReconcileInterval:      getDurationEnv("RECONCILE_INTERVAL", 5*time.Minute),
		ExitNoReportAfter:      getDurationEnv("EXIT_NO_REPORT_AFTER", 10*time.Minute),
		UnknownFirstAlertAfter: getDurationEnv("UNKNOWN_FIRST_ALERT_AFTER", 15*time.Minute),
		UnknownRepeatAfter:     getDurationEnv("UNKNOWN_REPEAT_AFTER", 10*time.Minute),
		HierarchyMaxDepth:      getIntEnv("HIERARCHY_MAX_DEPTH", 6),

		DistanceFilterMeters: getFloatEnv("DISTANCE_FILTER_METERS", 50),
		ZoneRefreshInterval:  getDurationEnv("ZONE_REFRESH_INTERVAL", time.Minute),

		RedisEnabled:     getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		ZoneCacheTTL:     getDurationEnv("ZONE_CACHE_TTL", 5*time.Minute),
		CacheWarmOnStart: getBoolEnv("CACHE_WARM_ON_START", true),

		RateLimitPerSecond: getFloatEnv("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:     getIntEnv("RATE_LIMIT_BURST", 40),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),

		TracingEnabled:     getBoolEnv("TRACING_ENABLED", false),
		TracingServiceName: getEnv("TRACING_SERVICE_NAME", "lockpoint"),
		TracingSampleRatio: getFloatEnv("TRACING_SAMPLE_RATIO", 1.0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"RECONCILE_INTERVAL":        c.ReconcileInterval,
		"EXIT_NO_REPORT_AFTER":      c.ExitNoReportAfter,
		"UNKNOWN_FIRST_ALERT_AFTER": c.UnknownFirstAlertAfter,
		"UNKNOWN_REPEAT_AFTER":      c.UnknownRepeatAfter,
		"ZONE_REFRESH_INTERVAL":     c.ZoneRefreshInterval,
		"ZONE_CACHE_TTL":            c.ZoneCacheTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.HierarchyMaxDepth < 1 {
		errs = append(errs, fmt.Errorf("HIERARCHY_MAX_DEPTH must be at least 1, got %d", c.HierarchyMaxDepth))
	}
	if c.DistanceFilterMeters < 0 {
		errs = append(errs, fmt.Errorf("DISTANCE_FILTER_METERS must not be negative, got %g", c.DistanceFilterMeters))
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %g", c.TracingSampleRatio))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
