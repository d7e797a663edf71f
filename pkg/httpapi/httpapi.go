// Package httpapi serves the member directory as JSON over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/directory"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

// MembersPath is the member list route
const MembersPath = "/api/members"

// Directory is the query surface the handlers need
type Directory interface {
	Search(ctx context.Context, filter string) (*directory.Listing, error)
	GetByID(ctx context.Context, id string) (upstream.Member, bool, error)
}

// Option configures the handler
type Option func(*handler)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *handler) {
		h.logger = logger
	}
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(metrics http.Handler) Option {
	return func(h *handler) {
		h.metrics = metrics
	}
}

type handler struct {
	dir     Directory
	logger  *zap.Logger
	metrics http.Handler
}

// listResponse is the body of GET /api/members
type listResponse struct {
	Results []upstream.Member `json:"results"`
	Info    upstream.Info     `json:"info"`
	Filter  string            `json:"filter"`
}

// NewHandler returns the routed API
func NewHandler(dir Directory, opts ...Option) http.Handler {
	h := &handler{
		dir:    dir,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+MembersPath, h.listMembers)
	mux.HandleFunc("GET "+MembersPath+"/{id}", h.getMember)
	mux.HandleFunc("GET /healthz", h.healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// Route labels a request by its route pattern so member ids do not become
// metric labels.
func Route(r *http.Request) string {
	path := r.URL.Path
	switch {
	case path == MembersPath:
		return r.Method + " " + MembersPath
	case strings.HasPrefix(path, MembersPath+"/"):
		return r.Method + " " + MembersPath + "/{id}"
	case path == "/healthz", path == "/metrics":
		return r.Method + " " + path
	}
	return r.Method + " other"
}

func (h *handler) listMembers(w http.ResponseWriter, r *http.Request) {
	filter := strings.TrimSpace(r.URL.Query().Get("filter"))

	listing, err := h.dir.Search(r.Context(), filter)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Results: listing.Results,
		Info:    listing.Info,
		Filter:  filter,
	})
}

func (h *handler) getMember(w http.ResponseWriter, r *http.Request) {
	member, ok, err := h.dir.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	writeJSON(w, http.StatusOK, member)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeFailure maps directory errors to a status. Upstream detail stays in
// the log.
func (h *handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := StatusFor(err)
	h.logger.Warn("directory query failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", code),
		zap.Error(err),
	)
	writeError(w, code, msg)
}

// StatusFor returns the HTTP status and public message for a directory error
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cache.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request cancelled or timed out"
	case errors.Is(err, upstream.ErrUnreachable):
		return http.StatusBadGateway, "member source unavailable"
	case errors.Is(err, upstream.ErrInvalidResponse):
		return http.StatusBadGateway, "member source returned invalid data"
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
