package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

func TestCacheMetrics_Lookups(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.Hit()
	m.Hit()
	m.StaleHit()
	m.Miss()
	m.Coalesced()
	m.Eviction()
	m.Expiration()
	m.RefreshFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coalesced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expirations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshFailures))
}

func TestCacheMetrics_FetchOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.Fetch(10*time.Millisecond, nil)
	m.Fetch(10*time.Millisecond, fmt.Errorf("fetch: %w", upstream.ErrUnreachable))
	m.Fetch(10*time.Millisecond, &upstream.ValidationError{})
	m.Fetch(10*time.Millisecond, context.Canceled)
	m.Fetch(10*time.Millisecond, errors.New("boom"))

	for _, outcome := range []string{"success", "unreachable", "invalid_response", "cancelled", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(outcome)), outcome)
	}

	count, err := testutil.GatherAndCount(reg, "memberdir_cache_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCacheMetrics_WiredIntoCoordinator(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	store := cache.NewMemoryStore(&cache.MemoryConfig{MaxSize: 1, Metrics: m})
	defer store.Close()
	c := cache.NewCoordinator(cache.WithStore(store), cache.WithMetrics(m))
	defer c.Close()

	compute := func(v string) cache.ComputeFunc {
		return func(context.Context) (any, error) { return v, nil }
	}

	ctx := context.Background()
	_, err := c.Resolve(ctx, "a", compute("A"))
	require.NoError(t, err)
	_, err = c.Resolve(ctx, "a", compute("A"))
	require.NoError(t, err)
	_, err = c.Resolve(ctx, "b", compute("B"))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
}

func TestCollector_Handler(t *testing.T) {
	collector, err := NewPrometheusCollector()
	require.NoError(t, err)
	NewCacheMetrics(collector.GetRegistry()).Hit()
	collector.RecordRequest(TransportHTTP, "GET /api/members", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `memberdir_cache_lookups_total{result="hit"} 1`), body)
	assert.Contains(t, body, "memberdir_server_requests_total")
}
