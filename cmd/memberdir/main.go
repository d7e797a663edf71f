// Command memberdir serves the cached member directory over HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/grpc-guardian/memberdir"
	"github.com/grpc-guardian/memberdir/chaos"
	"github.com/grpc-guardian/memberdir/middleware"
	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/config"
	"github.com/grpc-guardian/memberdir/pkg/directory"
	"github.com/grpc-guardian/memberdir/pkg/grpcapi"
	"github.com/grpc-guardian/memberdir/pkg/httpapi"
	"github.com/grpc-guardian/memberdir/pkg/metrics"
	"github.com/grpc-guardian/memberdir/pkg/tracing"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	collector.RegisterRuntimeCollectors()
	cacheMetrics := metrics.NewCacheMetrics(collector.GetRegistry())

	store := cache.NewMemoryStore(&cache.MemoryConfig{
		MaxSize:         cfg.CacheMaxEntries,
		CleanupInterval: cfg.CacheCleanupInterval,
		Metrics:         cacheMetrics,
	})
	defer store.Close()

	coordinator := cache.NewCoordinator(
		cache.WithStore(store),
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(cacheMetrics),
		cache.WithDefaultTTL(cfg.CacheTTL),
		cache.WithDefaultStaleWhileRevalidate(cfg.CacheStaleWhileRevalidate),
	)
	defer coordinator.Close()

	client := upstream.NewClient(
		upstream.WithURL(cfg.UpstreamURL),
		upstream.WithHTTPClient(&http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: upstreamTransport(cfg, logger),
		}),
		upstream.WithRateLimit(cfg.UpstreamRate, 1),
		upstream.WithLogger(logger.Named("upstream")),
	)

	svc := directory.NewService(client, coordinator,
		directory.WithLogger(logger.Named("directory")),
	)

	limiter := middleware.NewPerClientRateLimiter(cfg.RateLimit, cfg.RateBurst, middleware.DefaultMaxClients)
	chain := memberdir.NewChain(
		middleware.Tracing(middleware.WithServiceName(cfg.Tracing.ServiceName)),
		middleware.Logging(middleware.WithLogger(logger.Named("grpc")), middleware.WithSlowThreshold(time.Second)),
		middleware.MetricsMiddleware(collector),
		middleware.RateLimit(cfg.GlobalRateLimit, cfg.GlobalRateBurst),
		middleware.RateLimitPerClient(limiter, middleware.ExtractClientIP),
		middleware.TimeoutPerMethod(cfg.RequestTimeout, map[string]time.Duration{
			grpcapi.SearchMembersMethod: cfg.SearchTimeout,
			grpcapi.GetMemberMethod:     cfg.GetMemberTimeout,
		}),
	).AppendHTTP(
		middleware.HTTPTracing(middleware.WithServiceName(cfg.Tracing.ServiceName)),
		middleware.HTTPLogging(middleware.WithLogger(logger.Named("http")), middleware.WithSlowThreshold(time.Second)),
		middleware.HTTPMetrics(collector, httpapi.Route),
		middleware.HTTPRateLimit(limiter),
		middleware.HTTPTimeout(
			middleware.WithTimeout(cfg.RequestTimeout),
			middleware.WithPerMethodTimeout(map[string]time.Duration{httpapi.MembersPath: cfg.SearchTimeout}),
		),
	)

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: chain.Handler(httpapi.NewHandler(svc,
			httpapi.WithLogger(logger.Named("http")),
			httpapi.WithMetricsHandler(collector.Handler()),
		)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthServer := grpcapi.NewGRPCServer(svc, chain, logger.Named("grpc"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}

	stats := coordinator.Stats()
	logger.Info("server stopped",
		zap.Uint64("cache_hits", stats.Hits),
		zap.Uint64("cache_misses", stats.Misses),
	)
	return nil
}

// upstreamTransport layers tracing, retries and the circuit breaker over the
// default transport, with optional fault injection innermost.
func upstreamTransport(cfg *config.Config, logger *zap.Logger) http.RoundTripper {
	var base http.RoundTripper = http.DefaultTransport

	faults, _ := chaos.Preset(cfg.ChaosPreset, cfg.ChaosErrorRate)
	if len(faults) > 0 {
		logger.Warn("chaos preset enabled for upstream calls",
			zap.String("preset", cfg.ChaosPreset),
			zap.Float64("probability", cfg.ChaosErrorRate),
		)
	} else if faults = manualFaults(cfg); len(faults) > 0 {
		logger.Warn("chaos enabled for upstream calls",
			zap.Duration("latency", cfg.ChaosLatency),
			zap.Float64("error_rate", cfg.ChaosErrorRate),
		)
	}
	if len(faults) > 0 {
		base = chaos.NewTransport(base, faults...)
	}

	breaker := middleware.NewCircuitBreaker(
		middleware.WithOpenTimeout(30*time.Second),
		middleware.WithOnStateChange(func(from, to middleware.State) {
			logger.Warn("upstream circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)

	retry := middleware.NewRetry(
		middleware.WithMaxAttempts(cfg.UpstreamRetries+1),
		middleware.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
			logger.Info("retrying upstream request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}),
	)

	return otelhttp.NewTransport(retry.RoundTripper(breaker.RoundTripper(base)))
}

// manualFaults builds fault injection from CHAOS_LATENCY and CHAOS_ERROR_RATE
func manualFaults(cfg *config.Config) []chaos.ChaosOption {
	var faults []chaos.ChaosOption
	if cfg.ChaosLatency > 0 {
		faults = append(faults, chaos.WithLatency(cfg.ChaosLatency/2, cfg.ChaosLatency, 1))
	}
	if cfg.ChaosErrorRate > 0 {
		faults = append(faults, chaos.WithErrors([]int{http.StatusServiceUnavailable, 0}, cfg.ChaosErrorRate))
	}
	return faults
}
