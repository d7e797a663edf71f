package middleware

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retry implements retry logic with exponential backoff for outgoing gRPC
// calls and HTTP requests
type Retry struct {
	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            bool
	retryableErrors   map[codes.Code]bool
	retryableStatuses map[int]bool
	onRetry           func(attempt int, err error, nextBackoff time.Duration)
}

// RetryOption configures a Retry middleware
type RetryOption func(*Retry)

// WithMaxAttempts sets the maximum number of attempts
// Default: 3
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the initial backoff duration
// Default: 100ms
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.initialBackoff = d
		}
	}
}

// WithMaxBackoff sets the maximum backoff duration
// Default: 10s
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier
// Default: 2.0 (doubles each retry)
func WithBackoffMultiplier(m float64) RetryOption {
	return func(r *Retry) {
		if m > 1.0 {
			r.backoffMultiplier = m
		}
	}
}

// WithJitter enables jitter to prevent thundering herd
// Default: true
func WithJitter(enabled bool) RetryOption {
	return func(r *Retry) {
		r.jitter = enabled
	}
}

// WithRetryableCodes sets which gRPC status codes should trigger a retry
// Default: Unavailable, ResourceExhausted, Aborted
func WithRetryableCodes(cs ...codes.Code) RetryOption {
	return func(r *Retry) {
		r.retryableErrors = make(map[codes.Code]bool)
		for _, code := range cs {
			r.retryableErrors[code] = true
		}
	}
}

// WithRetryableStatuses sets which HTTP status codes should trigger a retry
// Default: 429, 502, 503, 504
func WithRetryableStatuses(statuses ...int) RetryOption {
	return func(r *Retry) {
		r.retryableStatuses = make(map[int]bool)
		for _, s := range statuses {
			r.retryableStatuses[s] = true
		}
	}
}

// WithOnRetry sets a callback function called before each retry attempt
func WithOnRetry(callback func(attempt int, err error, nextBackoff time.Duration)) RetryOption {
	return func(r *Retry) {
		r.onRetry = callback
	}
}

// NewRetry creates a new Retry middleware with default configuration
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxAttempts:       3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            true,
		retryableErrors: map[codes.Code]bool{
			codes.Unavailable:       true,
			codes.ResourceExhausted: true,
			codes.Aborted:           true,
		},
		retryableStatuses: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// do runs attempt until it succeeds, fails permanently or attempts run out
func (r *Retry) do(ctx context.Context, attempt func() (retryable bool, err error)) error {
	var lastErr error

	for n := 1; n <= r.maxAttempts; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retryable, err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable || n >= r.maxAttempts {
			break
		}

		backoff := r.calculateBackoff(n)
		if r.onRetry != nil {
			r.onRetry(n, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// UnaryClientInterceptor returns a unary client interceptor with retry logic
func (r *Retry) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return r.do(ctx, func() (bool, error) {
			err := invoker(ctx, method, req, reply, cc, opts...)
			return r.isRetryable(err), err
		})
	}
}

// statusError reports a retryable HTTP response
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "retryable status " + http.StatusText(e.code)
}

// RoundTripper wraps next with retry logic. Requests with a body are only
// retried when GetBody is set. The last response is returned unchanged when
// attempts run out.
func (r *Retry) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		var resp *http.Response
		first := true

		err := r.do(req.Context(), func() (bool, error) {
			attemptReq := req
			if !first {
				if req.Body != nil && req.Body != http.NoBody {
					if req.GetBody == nil {
						return false, errors.New("request body cannot be replayed")
					}
					body, err := req.GetBody()
					if err != nil {
						return false, err
					}
					attemptReq = req.Clone(req.Context())
					attemptReq.Body = body
				}
			}
			first = false

			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				resp = nil
			}

			res, err := next.RoundTrip(attemptReq)
			if err != nil {
				return req.Context().Err() == nil, err
			}
			resp = res
			if r.retryableStatuses[res.StatusCode] {
				return true, &statusError{code: res.StatusCode}
			}
			return false, nil
		})

		var se *statusError
		if err != nil && errors.As(err, &se) && resp != nil {
			return resp, nil
		}
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, err
		}
		return resp, nil
	})
}

// isRetryable checks if an error should trigger a retry
func (r *Retry) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC status error - don't retry
		return false
	}

	return r.retryableErrors[st.Code()]
}

// calculateBackoff calculates the backoff duration for the given attempt
// Uses exponential backoff with optional jitter
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.initialBackoff) * math.Pow(r.backoffMultiplier, float64(attempt-1))

	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}

	// Randomize between 0 and calculated backoff
	if r.jitter {
		backoff = rand.Float64() * backoff
	}

	return time.Duration(backoff)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
