package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger          *zap.Logger
	LogResponseBody bool
	SlowThreshold   time.Duration
	ExtraFields     map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets a custom zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithResponseBody enables response body logging for gRPC calls
func WithResponseBody() LoggingOption {
	return func(c *LoggingConfig) {
		c.LogResponseBody = true
	}
}

// WithSlowThreshold logs a warning for requests slower than threshold
func WithSlowThreshold(threshold time.Duration) LoggingOption {
	return func(c *LoggingConfig) {
		c.SlowThreshold = threshold
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

func newLoggingConfig(opts []LoggingOption) *LoggingConfig {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

func (c *LoggingConfig) baseFields(method string, duration time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", duration),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	for k, v := range c.ExtraFields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (c *LoggingConfig) logSlow(method string, duration time.Duration) {
	if c.SlowThreshold > 0 && duration > c.SlowThreshold {
		c.Logger.Warn("slow request detected",
			zap.String("method", method),
			zap.Duration("duration", duration),
			zap.Duration("threshold", c.SlowThreshold),
		)
	}
}

// Logging creates a gRPC logging middleware with the provided options
func Logging(opts ...LoggingOption) func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	config := newLoggingConfig(opts)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		fields := config.baseFields(info.FullMethod, duration)

		if config.LogResponseBody && err == nil {
			fields = append(fields, zap.Any("response", resp))
		}

		// Log level based on error code
		if err != nil {
			st := status.Convert(err)
			fields = append(fields,
				zap.String("grpc_code", st.Code().String()),
				zap.String("error", st.Message()),
			)

			switch st.Code() {
			case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
				config.Logger.Error("gRPC request failed", fields...)
			case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
				codes.PermissionDenied, codes.Unauthenticated, codes.ResourceExhausted:
				config.Logger.Warn("gRPC request rejected", fields...)
			default:
				config.Logger.Info("gRPC request completed with error", fields...)
			}
		} else {
			fields = append(fields, zap.String("grpc_code", codes.OK.String()))
			config.Logger.Info("gRPC request completed", fields...)
		}

		config.logSlow(info.FullMethod, duration)
		return resp, err
	}
}

// HTTPLogging creates an HTTP logging middleware with the provided options
func HTTPLogging(opts ...LoggingOption) func(http.Handler) http.Handler {
	config := newLoggingConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			method := r.Method + " " + r.URL.Path
			fields := append(config.baseFields(method, duration),
				zap.Int("status", rec.status),
				zap.Int("bytes", rec.bytes),
			)

			switch {
			case rec.status >= http.StatusInternalServerError:
				config.Logger.Error("HTTP request failed", fields...)
			case rec.status >= http.StatusBadRequest:
				config.Logger.Warn("HTTP request rejected", fields...)
			default:
				config.Logger.Info("HTTP request completed", fields...)
			}

			config.logSlow(method, duration)
		})
	}
}
