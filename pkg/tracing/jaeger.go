package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/jaeger"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newJaegerExporter creates a collector exporter when CollectorEndpoint is
// set, otherwise an agent exporter
func newJaegerExporter(config *Config) (*jaeger.Exporter, error) {
	var (
		exporter *jaeger.Exporter
		err      error
	)

	if config.CollectorEndpoint != "" {
		exporter, err = jaeger.New(
			jaeger.WithCollectorEndpoint(
				jaeger.WithEndpoint(config.CollectorEndpoint),
			),
		)
	} else {
		host, port := splitAgentEndpoint(config.AgentEndpoint)
		exporter, err = jaeger.New(
			jaeger.WithAgentEndpoint(
				jaeger.WithAgentHost(host),
				jaeger.WithAgentPort(port),
			),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	return exporter, nil
}

func splitAgentEndpoint(endpoint string) (host, port string) {
	host, port = "localhost", "6831"
	if endpoint == "" {
		return host, port
	}
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			if endpoint[:i] != "" {
				host = endpoint[:i]
			}
			if endpoint[i+1:] != "" {
				port = endpoint[i+1:]
			}
			return host, port
		}
	}
	return endpoint, port
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// ForceFlush forces the tracer provider to flush all pending spans
func ForceFlush(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}
