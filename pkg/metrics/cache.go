package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

var _ cache.Metrics = (*CacheMetrics)(nil)

// CacheMetrics records coordinator and store events
type CacheMetrics struct {
	lookups         *prometheus.CounterVec
	coalesced       prometheus.Counter
	fetches         *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	refreshFailures prometheus.Counter
	evictions       prometheus.Counter
	expirations     prometheus.Counter
}

// NewCacheMetrics creates the cache metrics and registers them with reg
func NewCacheMetrics(reg prometheus.Registerer, opts ...ConfigOption) *CacheMetrics {
	config := DefaultConfig()
	config.Subsystem = "cache"
	for _, opt := range opts {
		opt(config)
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	m := &CacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "lookups_total",
			Help:        "Cache lookups by result (hit, stale, miss)",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),
		coalesced: counter("coalesced_total", "Callers that joined an in-flight fetch"),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fetches_total",
			Help:        "Upstream fetches by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fetch_duration_seconds",
			Help:        "Duration of compute calls in seconds",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		}),
		refreshFailures: counter("refresh_failures_total", "Background refreshes that failed"),
		evictions:       counter("evictions_total", "Entries evicted by the LRU policy"),
		expirations:     counter("expirations_total", "Entries dropped after their lifetime elapsed"),
	}

	reg.MustRegister(
		m.lookups,
		m.coalesced,
		m.fetches,
		m.fetchDuration,
		m.refreshFailures,
		m.evictions,
		m.expirations,
	)

	return m
}

func (m *CacheMetrics) Hit()           { m.lookups.WithLabelValues("hit").Inc() }
func (m *CacheMetrics) StaleHit()      { m.lookups.WithLabelValues("stale").Inc() }
func (m *CacheMetrics) Miss()          { m.lookups.WithLabelValues("miss").Inc() }
func (m *CacheMetrics) Coalesced()     { m.coalesced.Inc() }
func (m *CacheMetrics) RefreshFailed() { m.refreshFailures.Inc() }
func (m *CacheMetrics) Eviction()      { m.evictions.Inc() }
func (m *CacheMetrics) Expiration()    { m.expirations.Inc() }

// Fetch records one compute call
func (m *CacheMetrics) Fetch(d time.Duration, err error) {
	m.fetchDuration.Observe(d.Seconds())
	m.fetches.WithLabelValues(fetchOutcome(err)).Inc()
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, upstream.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, upstream.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, cache.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
