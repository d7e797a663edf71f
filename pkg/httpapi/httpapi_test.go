package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/directory"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

type stubFetcher struct {
	err error
}

func (f *stubFetcher) FetchMembers(ctx context.Context) (*upstream.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &upstream.Response{
		Results: []upstream.Member{
			{Name: upstream.Name{First: "Zed", Last: "Park"}, Login: upstream.Login{UUID: "u-zed"}},
			{Name: upstream.Name{First: "John", Last: "Smith"}, Login: upstream.Login{UUID: "u-john"}},
			{Name: upstream.Name{First: "Ann", Last: "Cole"}, Login: upstream.Login{UUID: "u-ann"}},
		},
		Info: upstream.Info{Seed: "myappseed", Results: 3, Page: 1, Version: "1.4"},
	}, nil
}

func newServer(t *testing.T, f directory.Fetcher, opts ...Option) *httptest.Server {
	t.Helper()
	coordinator := cache.NewCoordinator()
	t.Cleanup(coordinator.Close)

	srv := httptest.NewServer(NewHandler(directory.NewService(f, coordinator), opts...))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestListMembers(t *testing.T) {
	srv := newServer(t, &stubFetcher{})

	var body listResponse
	code := getJSON(t, srv.URL+"/api/members", &body)

	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "Ann Cole", body.Results[0].DisplayName())
	assert.Equal(t, "myappseed", body.Info.Seed)
	assert.Empty(t, body.Filter)
}

func TestListMembers_Filter(t *testing.T) {
	srv := newServer(t, &stubFetcher{})

	var body listResponse
	code := getJSON(t, srv.URL+"/api/members?filter=SMI", &body)

	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "John Smith", body.Results[0].DisplayName())
	assert.Equal(t, "SMI", body.Filter)
}

func TestListMembers_FilterIsTrimmed(t *testing.T) {
	srv := newServer(t, &stubFetcher{})

	var body listResponse
	code := getJSON(t, srv.URL+"/api/members?filter=%20SMI%20", &body)

	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "SMI", body.Filter)
}

func TestGetMember(t *testing.T) {
	srv := newServer(t, &stubFetcher{})

	var m upstream.Member
	code := getJSON(t, srv.URL+"/api/members/u-john", &m)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "John Smith", m.DisplayName())

	var body map[string]string
	code = getJSON(t, srv.URL+"/api/members/nobody", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "member not found", body["error"])
}

func TestUpstreamFailureMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", fmt.Errorf("%w: dial tcp", upstream.ErrUnreachable), http.StatusBadGateway},
		{"invalid", &upstream.ValidationError{Issues: []upstream.Issue{{Path: "results", Message: "required"}}}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			srv := newServer(t, &stubFetcher{err: tt.err}, WithLogger(zap.New(core)))

			var body map[string]string
			code := getJSON(t, srv.URL+"/api/members", &body)

			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body["error"], "dial tcp")
			assert.Equal(t, 1, logs.FilterMessage("directory query failed").Len())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %w", cache.ErrCancelled, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{context.Canceled, http.StatusGatewayTimeout},
		{upstream.ErrUnreachable, http.StatusBadGateway},
		{upstream.ErrInvalidResponse, http.StatusBadGateway},
		{cache.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		code, msg := StatusFor(tt.err)
		assert.Equal(t, tt.want, code, "%v", tt.err)
		assert.NotEmpty(t, msg)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	srv := newServer(t, &stubFetcher{}, WithMetricsHandler(metrics))

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, &stubFetcher{})

	resp, err := http.Post(srv.URL+"/api/members", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRoute(t *testing.T) {
	tests := map[string]string{
		"/api/members":       "GET /api/members",
		"/api/members/u-123": "GET /api/members/{id}",
		"/healthz":           "GET /healthz",
		"/favicon.ico":       "GET other",
	}
	for path, want := range tests {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		assert.Equal(t, want, Route(r))
	}
}
