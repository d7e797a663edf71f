package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// DefaultMaxClients bounds how many per-client limiters are remembered
const DefaultMaxClients = 10000

// RateLimit creates a global rate limiting middleware using token bucket algorithm
// rate: tokens per second
// burst: maximum burst size
func RateLimit(ratePerSec float64, burst int) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

// PerClientRateLimiter manages rate limiters for individual clients. The
// least recently seen clients are forgotten once maxClients is reached.
type PerClientRateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewPerClientRateLimiter creates a new per-client rate limiter
func NewPerClientRateLimiter(ratePerSec float64, burst int, maxClients int) *PerClientRateLimiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	limiters, _ := lru.New[string, *rate.Limiter](maxClients)

	return &PerClientRateLimiter{
		limiters: limiters,
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
}

// GetLimiter returns a rate limiter for the given client
func (p *PerClientRateLimiter) GetLimiter(clientID string) *rate.Limiter {
	if limiter, ok := p.limiters.Get(clientID); ok {
		return limiter
	}

	limiter := rate.NewLimiter(p.rate, p.burst)
	if prev, ok, _ := p.limiters.PeekOrAdd(clientID, limiter); ok {
		return prev
	}
	return limiter
}

// Allow reports whether clientID may proceed now
func (p *PerClientRateLimiter) Allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}
	return p.GetLimiter(clientID).Allow()
}

// Clients returns how many clients are tracked
func (p *PerClientRateLimiter) Clients() int {
	return p.limiters.Len()
}

// RateLimitPerClient creates a per-client gRPC rate limiting middleware
// clientIDExtractor: function to extract client ID from context
func RateLimitPerClient(limiter *PerClientRateLimiter, clientIDExtractor func(context.Context) string) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		clientID := clientIDExtractor(ctx)
		if !limiter.Allow(clientID) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for client: %s", clientID)
		}

		return handler(ctx, req)
	}
}

// HTTPRateLimit creates a per-client HTTP rate limiting middleware keyed by
// client IP. Rejected requests get 429.
func HTTPRateLimit(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ClientIPFromRequest(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractClientIP extracts client IP from gRPC metadata, falling back to
// the connection peer
func ExtractClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		// Try X-Forwarded-For first (for proxied requests)
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			return firstForwarded(xff[0])
		}
		if xri := md.Get("x-real-ip"); len(xri) > 0 {
			return xri[0]
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return hostOnly(p.Addr.String())
	}

	return "unknown"
}

// ClientIPFromRequest extracts the client IP of an HTTP request
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return firstForwarded(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return hostOnly(r.RemoteAddr)
}

func firstForwarded(xff string) string {
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
