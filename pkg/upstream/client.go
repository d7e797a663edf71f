// Package upstream fetches and validates member records from the randomuser
// API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultURL is the seeded endpoint; the seed keeps the data set stable.
const DefaultURL = "https://randomuser.me/api/?seed=myappseed&results=20"

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

var (
	// ErrUnreachable is returned when the upstream cannot be reached or
	// reports that it is unavailable.
	ErrUnreachable = errors.New("upstream: unreachable")

	// ErrInvalidResponse is returned when the payload does not conform to
	// the member schema.
	ErrInvalidResponse = errors.New("upstream: invalid response")
)

// Client fetches the member list
type Client struct {
	httpClient   *http.Client
	url          string
	limiter      *rate.Limiter
	maxBodyBytes int64
	logger       *zap.Logger
	tracer       trace.Tracer
}

// ClientOption is a functional option for client configuration
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithURL overrides the upstream URL
func WithURL(url string) ClientOption {
	return func(c *Client) {
		c.url = url
	}
}

// WithRateLimit caps outgoing requests; callers wait for a token
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxBodyBytes bounds the response size read from the upstream
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracer sets the tracer
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// NewClient creates a client. The default HTTP client has a 10 second
// timeout and an OpenTelemetry instrumented transport.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		url:          DefaultURL,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/grpc-guardian/memberdir/pkg/upstream")
	}

	return c
}

// FetchMembers performs one GET against the upstream and validates the body.
// Failures wrap ErrUnreachable or ErrInvalidResponse.
func (c *Client) FetchMembers(ctx context.Context) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.FetchMembers",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", c.url)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("upstream fetch failed",
			zap.String("url", c.url),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("members.count", len(resp.Results)))
	c.logger.Info("upstream fetch completed",
		zap.String("url", c.url),
		zap.Int("members", len(resp.Results)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) fetch(ctx context.Context) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", ErrUnreachable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, c.maxBodyBytes))
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnreachable, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, c.maxBodyBytes)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, res.StatusCode)
	}

	members, err := Validate(body)
	if err != nil {
		return nil, err
	}
	return members, nil
}
