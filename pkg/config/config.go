// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grpc-guardian/memberdir/chaos"
	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/tracing"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

// Config is the complete service configuration
type Config struct {
	HTTPAddr string
	GRPCAddr string

	UpstreamURL     string
	UpstreamTimeout time.Duration
	UpstreamRetries int
	UpstreamRate    float64

	CacheMaxEntries           int
	CacheTTL                  time.Duration
	CacheStaleWhileRevalidate time.Duration
	CacheCleanupInterval      time.Duration

	RequestTimeout   time.Duration
	SearchTimeout    time.Duration
	GetMemberTimeout time.Duration
	RateLimit        float64
	RateBurst        int
	GlobalRateLimit  float64
	GlobalRateBurst  int

	LogLevel  string
	LogFormat string

	ChaosLatency   time.Duration
	ChaosErrorRate float64
	ChaosPreset    string

	Tracing *tracing.Config
}

// Load reads the configuration from the environment. Every malformed value is
// reported, not only the first.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		HTTPAddr: getEnvOrDefault("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnvOrDefault("GRPC_ADDR", ":9090"),

		UpstreamURL:     getEnvOrDefault("UPSTREAM_URL", upstream.DefaultURL),
		UpstreamTimeout: p.duration("UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamRetries: p.integer("UPSTREAM_RETRIES", 3),
		UpstreamRate:    p.number("UPSTREAM_RATE", 5),

		CacheMaxEntries:           p.integer("CACHE_MAX_ENTRIES", cache.DefaultMaxSize),
		CacheTTL:                  p.lifetime("CACHE_TTL", cache.NoExpiry),
		CacheStaleWhileRevalidate: p.duration("CACHE_STALE_WHILE_REVALIDATE", 0),
		CacheCleanupInterval:      p.duration("CACHE_CLEANUP_INTERVAL", time.Minute),

		RequestTimeout:  p.duration("REQUEST_TIMEOUT", 15*time.Second),
		RateLimit:       p.number("RATE_LIMIT", 100),
		RateBurst:       p.integer("RATE_LIMIT_BURST", 200),
		GlobalRateLimit: p.number("GLOBAL_RATE_LIMIT", 1000),
		GlobalRateBurst: p.integer("GLOBAL_RATE_LIMIT_BURST", 2000),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),

		ChaosLatency:   p.duration("CHAOS_LATENCY", 0),
		ChaosErrorRate: p.number("CHAOS_ERROR_RATE", 0),
		ChaosPreset:    strings.ToLower(getEnvOrDefault("CHAOS_PRESET", "none")),
	}
	cfg.SearchTimeout = p.duration("SEARCH_TIMEOUT", cfg.RequestTimeout)
	cfg.GetMemberTimeout = p.duration("GET_MEMBER_TIMEOUT", cfg.RequestTimeout)

	tc := tracing.DefaultConfig()
	tc.Enabled = p.boolean("TRACING_ENABLED", tc.Enabled)
	tc.ServiceName = getEnvOrDefault("SERVICE_NAME", tc.ServiceName)
	tc.Environment = getEnvOrDefault("ENVIRONMENT", tc.Environment)
	tc.CollectorEndpoint = getEnvOrDefault("JAEGER_ENDPOINT", tc.CollectorEndpoint)
	tc.AgentEndpoint = getEnvOrDefault("JAEGER_AGENT_ENDPOINT", tc.AgentEndpoint)
	tc.SamplingRate = p.number("TRACING_SAMPLING_RATE", tc.SamplingRate)
	cfg.Tracing = tc

	if cfg.CacheMaxEntries <= 0 {
		p.fail("CACHE_MAX_ENTRIES", "must be positive")
	}
	if cfg.ChaosErrorRate < 0 || cfg.ChaosErrorRate > 1 {
		p.fail("CHAOS_ERROR_RATE", "must be between 0 and 1")
	}
	if _, err := chaos.Preset(cfg.ChaosPreset, cfg.ChaosErrorRate); err != nil {
		p.fail("CHAOS_PRESET", err.Error())
	} else if cfg.ChaosPreset != "none" && cfg.ChaosErrorRate == 0 {
		p.fail("CHAOS_PRESET", "requires CHAOS_ERROR_RATE as the preset probability")
	}
	if tc.SamplingRate < 0 || tc.SamplingRate > 1 {
		p.fail("TRACING_SAMPLING_RATE", "must be between 0 and 1")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		p.fail("LOG_LEVEL", err.Error())
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		p.fail("LOG_FORMAT", `must be "json" or "console"`)
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// NewLogger builds a zap logger from the log level and format
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects parse failures across all variables.
type parser struct {
	errs []error
}

func (p *parser) fail(key, msg string) {
	p.errs = append(p.errs, fmt.Errorf("config: %s: %s", key, msg))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		p.fail(key, fmt.Sprintf("invalid duration %q", raw))
		return def
	}
	return d
}

// lifetime is a duration where "0" and "inf" mean never expiring.
func (p *parser) lifetime(key string, def time.Duration) time.Duration {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return def
	case "0", "inf", "infinite":
		return cache.NoExpiry
	}
	return p.duration(key, def)
}

func (p *parser) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, fmt.Sprintf("invalid integer %q", raw))
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, fmt.Sprintf("invalid number %q", raw))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, fmt.Sprintf("invalid boolean %q", raw))
		return def
	}
	return b
}
