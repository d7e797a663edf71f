package cache

import (
	"context"
	"fmt"
)

// flight is a pending computation for one key. Waiters hold a reference; the
// value and err fields are written once, before done is closed.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc

	// guarded by Coordinator.mu
	waiters    int
	background bool
	settled    bool

	val any
	err error
}

// PanicError reports a panic raised by a compute function.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cache: compute for key %q panicked: %v", e.Key, e.Value)
}

// acquire registers a waiter on the flight for key, starting one if needed.
// joined reports whether the flight already existed.
func (c *Coordinator) acquire(ctx context.Context, key string, compute ComputeFunc, p policy) (f *flight, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.flights[key]; ok {
		f.waiters++
		return f, true
	}

	f = c.startFlightLocked(ctx, key, compute, p, false)
	f.waiters++
	return f, false
}

// release drops a waiter. When the last waiter of an unsettled foreground
// flight leaves, the computation is cancelled and the flight unregistered so
// later callers start afresh.
func (c *Coordinator) release(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters > 0 || f.settled || f.background {
		return
	}

	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.cancel()
}

// startFlightLocked registers a new flight and runs compute in its own
// goroutine. The compute context keeps ctx's values but not its cancellation;
// it ends when the flight is abandoned or the coordinator is closed.
func (c *Coordinator) startFlightLocked(ctx context.Context, key string, compute ComputeFunc, p policy, background bool) *flight {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)

	f := &flight{
		done:       make(chan struct{}),
		cancel:     cancel,
		background: background,
	}
	c.flights[key] = f

	go func() {
		defer stop()
		defer cancel()

		start := c.now()
		val, err := c.call(fctx, key, compute)
		c.metrics.Fetch(c.now().Sub(start), err)

		if err == nil {
			c.store.Set(key, val, Metadata{
				CreatedTime:          c.now(),
				TTL:                  p.ttl,
				StaleWhileRevalidate: p.staleWhileRevalidate,
			})
		}

		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		f.val, f.err = val, err
		f.settled = true
		close(f.done)
		c.mu.Unlock()
	}()

	return f
}

// call invokes compute, converting a panic into a *PanicError.
func (c *Coordinator) call(ctx context.Context, key string, compute ComputeFunc) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, &PanicError{Key: key, Value: r}
		}
	}()
	return compute(ctx)
}
