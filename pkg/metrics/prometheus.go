package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  *prometheus.GaugeVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	// Message size metrics
	messageSent     *prometheus.HistogramVec
	messageReceived *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	labels := []string{"transport", "method", "code"}
	if !p.config.EnablePerMethodMetrics {
		labels = []string{"transport", "code"}
	}

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests handled",
			ConstLabels: p.config.ConstLabels,
		},
		labels,
	)

	if p.config.EnableHistogram {
		p.requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "request_duration_seconds",
				Help:        "Histogram of request duration in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			labels,
		)
	}

	gaugeLabels := []string{"transport", "method"}
	if !p.config.EnablePerMethodMetrics {
		gaugeLabels = []string{"transport"}
	}

	p.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "active_requests",
			Help:        "Number of requests being served",
			ConstLabels: p.config.ConstLabels,
		},
		gaugeLabels,
	)

	errorLabels := []string{"transport", "method", "error_type"}
	if !p.config.EnablePerMethodMetrics {
		errorLabels = []string{"transport", "error_type"}
	}

	p.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed requests",
			ConstLabels: p.config.ConstLabels,
		},
		errorLabels,
	)

	messageLabels := []string{"method", "direction"}
	if !p.config.EnablePerMethodMetrics {
		messageLabels = []string{"direction"}
	}

	sizeBuckets := []float64{
		64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304,
	} // 64B, 256B, 1KB, 4KB, 16KB, 64KB, 256KB, 1MB, 4MB

	p.messageSent = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "message_sent_bytes",
			Help:        "Histogram of response sizes sent (bytes)",
			Buckets:     sizeBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		messageLabels,
	)

	p.messageReceived = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "message_received_bytes",
			Help:        "Histogram of request sizes received (bytes)",
			Buckets:     sizeBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		messageLabels,
	)

	p.registry.MustRegister(
		p.requestsTotal,
		p.activeRequests,
		p.errorsTotal,
		p.messageSent,
		p.messageReceived,
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.requestDuration)
	}

	return nil
}

// RecordRequest records a completed request
func (p *PrometheusCollector) RecordRequest(transport, method, code string, duration time.Duration) {
	labels := []string{transport, method, code}
	if !p.config.EnablePerMethodMetrics {
		labels = []string{transport, code}
	}

	p.requestsTotal.WithLabelValues(labels...).Inc()
	if p.config.EnableHistogram {
		p.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	}
}

// RecordError records an error occurrence
func (p *PrometheusCollector) RecordError(transport, method, errorType string) {
	if p.config.EnablePerMethodMetrics {
		p.errorsTotal.WithLabelValues(transport, method, errorType).Inc()
	} else {
		p.errorsTotal.WithLabelValues(transport, errorType).Inc()
	}
}

// RecordActiveRequests updates the active requests gauge
func (p *PrometheusCollector) RecordActiveRequests(transport, method string, delta int) {
	if p.config.EnablePerMethodMetrics {
		p.activeRequests.WithLabelValues(transport, method).Add(float64(delta))
	} else {
		p.activeRequests.WithLabelValues(transport).Add(float64(delta))
	}
}

// RecordMessageSize records message sizes
func (p *PrometheusCollector) RecordMessageSize(method string, direction string, size int) {
	labels := []string{method, direction}
	if !p.config.EnablePerMethodMetrics {
		labels = []string{direction}
	}

	if direction == "sent" {
		p.messageSent.WithLabelValues(labels...).Observe(float64(size))
	} else {
		p.messageReceived.WithLabelValues(labels...).Observe(float64(size))
	}
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}

// RegisterRuntimeCollectors adds the Go runtime and process collectors
func (p *PrometheusCollector) RegisterRuntimeCollectors() {
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
