package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/grpc-guardian/memberdir/pkg/cache"

var (
	// ErrCancelled is returned to a caller whose context ended before the
	// value was resolved. It wraps the context error.
	ErrCancelled = errors.New("cache: resolve cancelled")

	// ErrClosed is returned by Resolve after Close.
	ErrClosed = errors.New("cache: coordinator closed")
)

// ComputeFunc produces a fresh value for a key.
type ComputeFunc func(ctx context.Context) (any, error)

// Coordinator serves values from a Store and coordinates the calls that
// refill it: concurrent misses on one key share a single compute call, and
// stale entries are served while a background refresh runs.
type Coordinator struct {
	store     Store
	ownsStore bool
	logger    *zap.Logger
	metrics   Metrics
	tracer    trace.Tracer
	now       func() time.Time
	defaults  policy

	mu      sync.Mutex
	flights map[string]*flight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// policy is the freshness window applied to values written by a flight.
type policy struct {
	ttl                  time.Duration
	staleWhileRevalidate time.Duration
}

// CoordinatorOption is a functional option for coordinator configuration
type CoordinatorOption func(*Coordinator)

// WithStore sets the backing store. The caller keeps ownership of it.
func WithStore(store Store) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithLogger sets the logger used for background refresh reporting
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithTracer sets the tracer used for resolve spans
func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithDefaultTTL sets the TTL used when Resolve is called without one
func WithDefaultTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaults.ttl = ttl
	}
}

// WithDefaultStaleWhileRevalidate sets the stale window used when Resolve is
// called without one
func WithDefaultStaleWhileRevalidate(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaults.staleWhileRevalidate = d
	}
}

// ResolveOption overrides the freshness policy for one Resolve call
type ResolveOption func(*policy)

// TTL sets how long a fetched value is fresh
func TTL(ttl time.Duration) ResolveOption {
	return func(p *policy) {
		p.ttl = ttl
	}
}

// StaleWhileRevalidate sets how long after the TTL a value may still be
// served while it is refreshed
func StaleWhileRevalidate(d time.Duration) ResolveOption {
	return func(p *policy) {
		p.staleWhileRevalidate = d
	}
}

// NewCoordinator creates a coordinator. Without WithStore it owns a
// MemoryStore built from DefaultMemoryConfig, closed by Close.
// The default policy is an infinite TTL with no stale window.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		logger:  zap.NewNop(),
		metrics: NoopMetrics{},
		now:     time.Now,
		defaults: policy{
			ttl: NoExpiry,
		},
		flights: make(map[string]*flight),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.store == nil {
		config := DefaultMemoryConfig()
		config.Metrics = c.metrics
		config.Now = c.now
		c.store = NewMemoryStore(config)
		c.ownsStore = true
	}

	return c
}

// Resolve returns the value for key. A fresh entry is returned as is. A stale
// entry is returned and refreshed in the background. Otherwise the caller
// waits for compute, shared with every concurrent caller of the same key.
func (c *Coordinator) Resolve(ctx context.Context, key string, compute ComputeFunc, opts ...ResolveOption) (any, error) {
	p := c.defaults
	for _, opt := range opts {
		opt(&p)
	}

	ctx, span := c.tracer.Start(ctx, "cache.Resolve",
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	if entry, ok := c.store.Get(key); ok {
		state := entry.Freshness(c.now())
		span.SetAttributes(attribute.String("cache.state", state.String()))

		switch state {
		case Fresh:
			c.metrics.Hit()
			return entry.Value, nil
		case Stale:
			c.metrics.StaleHit()
			c.revalidate(ctx, key, compute, p)
			return entry.Value, nil
		}
	} else {
		span.SetAttributes(attribute.String("cache.state", "miss"))
	}

	c.metrics.Miss()
	val, err := c.wait(ctx, key, compute, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return val, nil
}

// Invalidate drops the cached entry for key. A flight already running for the
// key is not affected.
func (c *Coordinator) Invalidate(key string) bool {
	return c.store.Delete(key)
}

// InFlight returns the number of keys with a computation running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.flights)
}

// Stats returns the statistics of the backing store
func (c *Coordinator) Stats() Stats {
	return c.store.Stats()
}

// Close cancels running computations and waits for background refreshes to
// finish. Resolve fails with ErrClosed afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	if c.ownsStore {
		if ms, ok := c.store.(*MemoryStore); ok {
			ms.Close()
		}
	}
}

// wait joins or starts the flight for key and blocks until it settles or ctx
// ends, whichever comes first.
func (c *Coordinator) wait(ctx context.Context, key string, compute ComputeFunc, p policy) (any, error) {
	f, joined := c.acquire(ctx, key, compute, p)
	if joined {
		c.metrics.Coalesced()
	}

	select {
	case <-f.done:
		c.release(key, f)
		return f.val, f.err
	case <-ctx.Done():
		c.release(key, f)
		return nil, cancelled(ctx.Err())
	}
}

// revalidate starts a fire-and-forget refresh unless one is already running.
func (c *Coordinator) revalidate(ctx context.Context, key string, compute ComputeFunc, p policy) {
	c.mu.Lock()
	if _, busy := c.flights[key]; busy || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	f := c.startFlightLocked(ctx, key, compute, p, true)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		<-f.done

		if f.err != nil {
			c.metrics.RefreshFailed()
			c.logger.Warn("background refresh failed, serving stale value",
				zap.String("key", key),
				zap.Error(f.err),
			)
			return
		}
		c.logger.Debug("background refresh completed", zap.String("key", key))
	}()
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Get is Resolve with a typed compute function and result.
func Get[T any](ctx context.Context, c *Coordinator, key string, compute func(ctx context.Context) (T, error), opts ...ResolveOption) (T, error) {
	var zero T

	v, err := c.Resolve(ctx, key, func(ctx context.Context) (any, error) {
		return compute(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: value for key %q has type %T, want %T", key, v, zero)
	}
	return t, nil
}
