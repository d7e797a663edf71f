package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newRecorder() (*tracetest.SpanRecorder, *trace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	return sr, trace.NewTracerProvider(trace.WithSpanProcessor(sr))
}

func TestTracing(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		handler grpc.UnaryHandler
		wantErr bool
	}{
		{
			name:   "successful request",
			method: "/memberdir.v1.Directory/SearchMembers",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				return "response", nil
			},
		},
		{
			name:   "failed request",
			method: "/memberdir.v1.Directory/GetMember",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				return nil, status.Error(codes.Unavailable, "upstream down")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, tp := newRecorder()
			tracingMW := Tracing(WithTracer(tp.Tracer("test")))

			info := &grpc.UnaryServerInfo{
				FullMethod: tt.method,
			}

			_, err := tracingMW(context.Background(), nil, info, tt.handler)
			if (err != nil) != tt.wantErr {
				t.Errorf("Tracing() error = %v, wantErr %v", err, tt.wantErr)
			}

			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("Expected 1 span, got %d", len(spans))
			}

			span := spans[0]
			if span.Name() != tt.method {
				t.Errorf("Expected span name %s, got %s", tt.method, span.Name())
			}
			if tt.wantErr && span.Status().Code != otelcodes.Error {
				t.Errorf("Expected error status, got %v", span.Status())
			}
		})
	}
}

func TestTracing_ContinuesIncomingTrace(t *testing.T) {
	sr, tp := newRecorder()
	prop := propagation.TraceContext{}
	tracingMW := Tracing(WithTracer(tp.Tracer("test")), WithPropagator(prop))

	md := metadata.Pairs("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	info := &grpc.UnaryServerInfo{FullMethod: "/memberdir.v1.Directory/GetMember"}
	_, _ = tracingMW(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Parent().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected parent trace id to be propagated, got %s", got)
	}
}

func TestHTTPTracing(t *testing.T) {
	sr, tp := newRecorder()
	prop := propagation.TraceContext{}

	var handlerSpan oteltrace.SpanContext
	handler := HTTPTracing(WithTracer(tp.Tracer("test")), WithPropagator(prop))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerSpan = oteltrace.SpanContextFromContext(r.Context())
			w.WriteHeader(http.StatusBadGateway)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/members?filter=smi", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name() != "GET /api/members" {
		t.Errorf("Unexpected span name %s", span.Name())
	}
	if span.Status().Code != otelcodes.Error {
		t.Errorf("Expected error status for 502, got %v", span.Status())
	}
	if span.SpanContext().TraceID() != handlerSpan.TraceID() {
		t.Error("Handler did not receive the request span")
	}
	if span.Parent().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Error("Incoming trace context was not continued")
	}
}

func TestExtractServiceName(t *testing.T) {
	tests := []struct {
		fullMethod  string
		wantService string
	}{
		{"/grpc.health.v1.Health/Check", "grpc.health.v1.Health"},
		{"/memberdir.v1.Directory/GetMember", "memberdir.v1.Directory"},
		{"/Service/Method", "Service"},
	}

	for _, tt := range tests {
		t.Run(tt.fullMethod, func(t *testing.T) {
			got := extractServiceName(tt.fullMethod)
			if got != tt.wantService {
				t.Errorf("extractServiceName(%s) = %s, want %s", tt.fullMethod, got, tt.wantService)
			}
		})
	}
}

func TestExtractMethodName(t *testing.T) {
	tests := []struct {
		fullMethod string
		wantMethod string
	}{
		{"/grpc.health.v1.Health/Check", "Check"},
		{"/memberdir.v1.Directory/GetMember", "GetMember"},
		{"/Service/Method", "Method"},
	}

	for _, tt := range tests {
		t.Run(tt.fullMethod, func(t *testing.T) {
			got := extractMethodName(tt.fullMethod)
			if got != tt.wantMethod {
				t.Errorf("extractMethodName(%s) = %s, want %s", tt.fullMethod, got, tt.wantMethod)
			}
		})
	}
}
