// Package tracing configures the OpenTelemetry tracer provider and its
// Jaeger exporter.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled           bool
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string // Jaeger collector (HTTP); takes precedence
	AgentEndpoint     string // Jaeger agent (UDP host:port)
	SamplingRate      float64
	MaxExportBatch    int
	MaxQueueSize      int
	ExtraAttributes   map[string]string

	// Exporter overrides the Jaeger exporter, mainly for tests
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns the default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:           false,
		ServiceName:       "memberdir",
		ServiceVersion:    "1.0.0",
		Environment:       "development",
		CollectorEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:      1.0,
		MaxExportBatch:    512,
		MaxQueueSize:      2048,
	}
}

// Setup initializes the tracing system based on the configuration. It
// installs the provider and a W3C propagator globally. A disabled config
// returns a nil provider.
func Setup(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	exporter := config.Exporter
	if exporter == nil {
		var err error
		exporter, err = newJaegerExporter(config)
		if err != nil {
			return nil, err
		}
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.ExtraAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// newSampler samples by trace id ratio, honouring the parent's decision
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1.0:
		root = sdktrace.AlwaysSample()
	case rate <= 0.0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}
