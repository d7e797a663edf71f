package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const defaultTracerName = "github.com/grpc-guardian/memberdir/middleware"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	Propagator   propagation.TextMapPropagator
	RecordErrors bool
	RecordEvents bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithPropagator sets a custom propagator
func WithPropagator(propagator propagation.TextMapPropagator) TracingOption {
	return func(c *TracingConfig) {
		c.Propagator = propagator
	}
}

// WithoutRecordErrors disables error recording in spans
func WithoutRecordErrors() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = false
	}
}

// WithoutRecordEvents disables request/response events
func WithoutRecordEvents() TracingOption {
	return func(c *TracingConfig) {
		c.RecordEvents = false
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

// WithServiceName tags every span with service.name
func WithServiceName(serviceName string) TracingOption {
	return WithExtraAttributes(attribute.String("service.name", serviceName))
}

func newTracingConfig(opts []TracingOption) *TracingConfig {
	config := &TracingConfig{
		TracerName:   defaultTracerName,
		Propagator:   otel.GetTextMapPropagator(),
		RecordErrors: true,
		RecordEvents: true,
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Tracer == nil {
		config.Tracer = otel.Tracer(config.TracerName)
	}
	return config
}

// Tracing creates a distributed tracing middleware with OpenTelemetry
func Tracing(opts ...TracingOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := newTracingConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Extract trace context from incoming metadata
		md, ok := metadata.FromIncomingContext(ctx)
		if ok {
			ctx = config.Propagator.Extract(ctx, &metadataCarrier{md: md})
		}

		ctx, span := config.Tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", extractServiceName(info.FullMethod)),
			attribute.String("rpc.method", extractMethodName(info.FullMethod)),
		)

		if config.RecordEvents {
			span.AddEvent("grpc.request.received")
		}

		resp, err := handler(ctx, req)

		if config.RecordEvents {
			span.AddEvent("grpc.response.sent")
		}

		if err != nil {
			st := status.Convert(err)

			span.SetStatus(codes.Error, st.Message())
			span.SetAttributes(
				attribute.String("rpc.grpc.status_code", st.Code().String()),
				attribute.String("error.message", st.Message()),
			)

			if config.RecordErrors {
				span.RecordError(err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(
				attribute.String("rpc.grpc.status_code", "OK"),
			)
		}

		return resp, err
	}
}

// HTTPTracing creates a server span per HTTP request, continuing any trace
// carried in the request headers.
func HTTPTracing(opts ...TracingOption) func(http.Handler) http.Handler {
	config := newTracingConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := config.Propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := config.Tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(config.ExtraAttrs...),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.RequestURI()),
			)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

// metadataCarrier adapts grpc metadata to be a TextMapCarrier
type metadataCarrier struct {
	md metadata.MD
}

// Get returns the value associated with the passed key.
func (mc *metadataCarrier) Get(key string) string {
	values := mc.md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set stores the key-value pair.
func (mc *metadataCarrier) Set(key string, value string) {
	mc.md.Set(key, value)
}

// Keys lists the keys stored in this carrier.
func (mc *metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc.md))
	for k := range mc.md {
		keys = append(keys, k)
	}
	return keys
}

// Helper functions to extract service and method names from full method path
func extractServiceName(fullMethod string) string {
	// fullMethod format: "/package.Service/Method"
	for i := 1; i < len(fullMethod); i++ {
		if fullMethod[i] == '/' {
			return fullMethod[1:i]
		}
	}
	return fullMethod
}

func extractMethodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
