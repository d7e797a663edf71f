package middleware

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout   time.Duration
	OnTimeout func(method string, duration time.Duration)
	PerMethod map[string]time.Duration
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithTimeout sets the default timeout duration
func WithTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(method string, duration time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// WithPerMethodTimeout sets method-specific timeout durations
func WithPerMethodTimeout(methodTimeouts map[string]time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerMethod = methodTimeouts
	}
}

func newTimeoutConfig(opts []TimeoutOption) *TimeoutConfig {
	config := &TimeoutConfig{
		Timeout:   10 * time.Second,
		PerMethod: make(map[string]time.Duration),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

func (c *TimeoutConfig) timeoutFor(method string) time.Duration {
	if methodTimeout, ok := c.PerMethod[method]; ok {
		return methodTimeout
	}
	return c.Timeout
}

// Timeout creates a timeout middleware that enforces request deadlines
// Default timeout is 10 seconds if not specified
func Timeout(opts ...TimeoutOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := newTimeoutConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		timeout := config.timeoutFor(info.FullMethod)

		parent := ctx
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp interface{}
			err  error
		}
		resultChan := make(chan result, 1)

		go func() {
			resp, err := handler(ctx, req)
			resultChan <- result{resp: resp, err: err}
		}()

		select {
		case res := <-resultChan:
			return res.resp, res.err
		case <-ctx.Done():
			if parent.Err() == context.Canceled {
				return nil, status.Error(codes.Canceled, "request cancelled by client")
			}
			if config.OnTimeout != nil {
				config.OnTimeout(info.FullMethod, timeout)
			}
			return nil, status.Errorf(codes.DeadlineExceeded, "request timeout after %v", timeout)
		}
	}
}

// TimeoutSimple creates a simple timeout middleware with a fixed duration
func TimeoutSimple(timeout time.Duration) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return Timeout(WithTimeout(timeout))
}

// TimeoutPerMethod creates a timeout middleware with method-specific timeouts
func TimeoutPerMethod(defaultTimeout time.Duration, methodTimeouts map[string]time.Duration) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return Timeout(
		WithTimeout(defaultTimeout),
		WithPerMethodTimeout(methodTimeouts),
	)
}

// HTTPTimeout attaches a deadline to each request context. Handlers observe
// the deadline and answer 504 themselves; PerMethod keys are URL paths.
func HTTPTimeout(opts ...TimeoutOption) func(http.Handler) http.Handler {
	config := newTimeoutConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timeout := config.timeoutFor(r.URL.Path)

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if ctx.Err() == context.DeadlineExceeded && config.OnTimeout != nil {
				config.OnTimeout(r.Method+" "+r.URL.Path, timeout)
			}
		})
	}
}
