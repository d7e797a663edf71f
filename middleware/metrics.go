package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-guardian/memberdir"
	"github.com/grpc-guardian/memberdir/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RouteFunc maps a request to a low-cardinality metric label
type RouteFunc func(r *http.Request) string

// MetricsMiddleware creates a middleware that collects metrics
func MetricsMiddleware(collector metrics.MetricsCollector) memberdir.Middleware {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod
		start := time.Now()

		collector.RecordActiveRequests(metrics.TransportGRPC, method, 1)
		defer collector.RecordActiveRequests(metrics.TransportGRPC, method, -1)

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		code := codes.OK
		if err != nil {
			st, ok := status.FromError(err)
			if ok {
				code = st.Code()
			} else {
				code = codes.Unknown
			}
			collector.RecordError(metrics.TransportGRPC, method, code.String())
		}

		collector.RecordRequest(metrics.TransportGRPC, method, code.String(), duration)

		return resp, err
	}
}

// HTTPMetrics creates an HTTP middleware that collects metrics. A nil route
// labels requests by method and path.
func HTTPMetrics(collector metrics.MetricsCollector, route RouteFunc) memberdir.HTTPMiddleware {
	if route == nil {
		route = func(r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := route(r)
			start := time.Now()

			collector.RecordActiveRequests(metrics.TransportHTTP, method, 1)
			defer collector.RecordActiveRequests(metrics.TransportHTTP, method, -1)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			code := strconv.Itoa(rec.status)
			if rec.status >= http.StatusBadRequest {
				collector.RecordError(metrics.TransportHTTP, method, code)
			}

			collector.RecordRequest(metrics.TransportHTTP, method, code, duration)
			collector.RecordMessageSize(method, "sent", rec.bytes)
		})
	}
}
