package chaos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestTransport_PassThrough(t *testing.T) {
	srv, hits := upstream(t)
	tr := NewTransport(srv.Client().Transport)
	assert.False(t, tr.Enabled())

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransport_InjectsStatus(t *testing.T) {
	srv, hits := upstream(t)
	tr := NewTransport(srv.Client().Transport, WithErrors([]int{http.StatusServiceUnavailable}, 1))

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(0), hits.Load(), "injected responses never reach the upstream")
}

func TestTransport_Partition(t *testing.T) {
	srv, _ := upstream(t)
	tr := NewTransport(srv.Client().Transport, Partition(1)...)

	_, err := (&http.Client{Transport: tr}).Get(srv.URL)
	assert.True(t, errors.Is(err, ErrInjected), "got %v", err)
}

func TestTransport_Latency(t *testing.T) {
	srv, _ := upstream(t)
	tr := NewTransport(srv.Client().Transport, WithLatency(30*time.Millisecond, 30*time.Millisecond, 1))

	start := time.Now()
	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestTransport_LatencyHonoursContext(t *testing.T) {
	srv, hits := upstream(t)
	tr := NewTransport(srv.Client().Transport, WithLatency(time.Second, time.Second, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := (&http.Client{Transport: tr}).Do(req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), hits.Load())
}

func TestTransport_Condition(t *testing.T) {
	srv, hits := upstream(t)
	var on atomic.Bool
	tr := NewTransport(srv.Client().Transport,
		WithErrors([]int{http.StatusInternalServerError}, 1),
		WithCondition(on.Load),
	)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	on.Store(true)
	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPreset(t *testing.T) {
	opts, err := Preset("none", 1)
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, err = Preset("meteor", 1)
	assert.Error(t, err)

	srv, hits := upstream(t)

	opts, err = Preset("Flaky", 1)
	require.NoError(t, err)
	tr := NewTransport(srv.Client().Transport, opts...)
	assert.True(t, tr.Enabled())
	assert.True(t, tr.config.LatencyEnabled)

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable, http.StatusGatewayTimeout}, resp.StatusCode)

	opts, err = Preset("partition", 1)
	require.NoError(t, err)
	_, err = (&http.Client{Transport: NewTransport(srv.Client().Transport, opts...)}).Get(srv.URL)
	assert.ErrorIs(t, err, ErrInjected)
	assert.LessOrEqual(t, hits.Load(), int32(1))
}
