// Package chaos injects faults into outgoing HTTP calls so the directory's
// cache and resilience layers can be exercised against a misbehaving upstream.
package chaos

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrInjected is the transport error returned by an injected failure
var ErrInjected = errors.New("chaos: injected failure")

// ChaosConfig holds configuration for chaos engineering
type ChaosConfig struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection. A zero status produces a transport error instead of a
	// response.
	ErrorEnabled     bool
	ErrorStatuses    []int
	ErrorProbability float64

	// Conditional enabling
	EnableCondition func() bool
}

// ChaosOption is a functional option for chaos configuration
type ChaosOption func(*ChaosConfig)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection
func WithErrors(statuses []int, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.ErrorEnabled = true
		c.ErrorStatuses = statuses
		c.ErrorProbability = probability
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) ChaosOption {
	return func(c *ChaosConfig) {
		c.EnableCondition = condition
	}
}

// Transport is an http.RoundTripper that injects faults before delegating
type Transport struct {
	next   http.RoundTripper
	config *ChaosConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTransport wraps next with fault injection
func NewTransport(next http.RoundTripper, opts ...ChaosOption) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}

	config := &ChaosConfig{
		EnableCondition: func() bool { return true },
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Transport{
		next:   next,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enabled reports whether any fault is configured
func (t *Transport) Enabled() bool {
	return t.config.LatencyEnabled || t.config.ErrorEnabled
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.config.EnableCondition() {
		return t.next.RoundTrip(req)
	}

	if t.config.LatencyEnabled && t.shouldInject(t.config.LatencyProbability) {
		timer := time.NewTimer(t.randomDuration(t.config.LatencyMin, t.config.LatencyMax))
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}

	if t.config.ErrorEnabled && len(t.config.ErrorStatuses) > 0 && t.shouldInject(t.config.ErrorProbability) {
		code := t.pick(t.config.ErrorStatuses)
		if code == 0 {
			return nil, ErrInjected
		}
		return injectedResponse(req, code), nil
	}

	return t.next.RoundTrip(req)
}

func injectedResponse(req *http.Request, code int) *http.Response {
	body := `{"error":"chaos: injected ` + http.StatusText(code) + `"}`
	return &http.Response{
		Status:        http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// shouldInject determines if chaos should be injected based on probability
func (t *Transport) shouldInject(probability float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < probability
}

func (t *Transport) pick(statuses []int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return statuses[t.rng.Intn(len(statuses))]
}

// randomDuration returns a random duration between min and max
func (t *Transport) randomDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return min + time.Duration(t.rng.Int63n(int64(max-min)))
}

// Presets for common chaos scenarios

// Flaky simulates a flaky upstream with added latency and occasional 503s
func Flaky(probability float64) []ChaosOption {
	return []ChaosOption{
		WithLatency(50*time.Millisecond, 500*time.Millisecond, probability),
		WithErrors([]int{http.StatusServiceUnavailable, http.StatusGatewayTimeout}, probability/2),
	}
}

// Partition simulates an unreachable upstream
func Partition(probability float64) []ChaosOption {
	return []ChaosOption{
		WithErrors([]int{0}, probability),
	}
}

// Preset returns the named preset at the given probability. An empty name or
// "none" returns no options.
func Preset(name string, probability float64) ([]ChaosOption, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "flaky":
		return Flaky(probability), nil
	case "partition":
		return Partition(probability), nil
	}
	return nil, fmt.Errorf("chaos: unknown preset %q", name)
}
