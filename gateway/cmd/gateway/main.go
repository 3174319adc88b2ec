package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gatewaytelemetry "github.com/splax/telemetrygw/gateway/internal/telemetry"
	httpx "github.com/splax/telemetrygw/gateway/internal/http"
	"github.com/splax/telemetrygw/pkg/config"
	"github.com/splax/telemetrygw/pkg/logger"
)

func main() {
	cfg := config.LoadGatewayConfig()
	log := logger.New("gateway", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	emitter := gatewaytelemetry.New(gatewaytelemetry.Config{
		QueueCapacity: cfg.EmitterQueueSize,
		BatchSize:     cfg.EmitterBatchSize,
		FlushInterval: cfg.EmitterFlushEvery,
		AnalyticsURL:  cfg.AnalyticsURL,
		RetryMax:      cfg.EmitterRetryMax,
		RetryBase:     cfg.EmitterRetryBase,
		ShutdownDrain: cfg.EmitterShutdownWait,
	}, log.With("component", "emitter"))
	defer emitter.Close()

	routes := httpx.NewRouteTable(defaultRoutes())

	router := httpx.NewRouter(httpx.Options{
		Logger:           log,
		Limiter:          limiter,
		Emitter:          emitter,
		Routes:           routes,
		SkipAuthPaths:    cfg.SkipAuthPaths,
		APIKeyHeader:     cfg.APIKeyHeader,
		APIKeyMinLength:  cfg.APIKeyMinLength,
		RateLimitWindow:  cfg.RateLimitWindow,
		RateLimitDefault: cfg.RateLimitDefault,
		UpstreamTimeout:  cfg.RequestTimeout,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("gateway server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// defaultRoutes mirrors the static route table the system was distilled
// from: three backend services reachable under an /api/<service> prefix,
// each with one leading path segment stripped before forwarding.
func defaultRoutes() []httpx.RouteEntry {
	mustParse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		if err != nil {
			panic(err)
		}
		return u
	}
	return []httpx.RouteEntry{
		{
			RouteID:         "user-service",
			Prefix:          "/api/users",
			StripSegments:   1,
			Backend:         mustParse(envOr("USER_SERVICE_URL", "http://user-service:8081")),
			UpstreamService: "user-service",
		},
		{
			RouteID:         "order-service",
			Prefix:          "/api/orders",
			StripSegments:   1,
			Backend:         mustParse(envOr("ORDER_SERVICE_URL", "http://order-service:8082")),
			UpstreamService: "order-service",
		},
		{
			RouteID:         "payment-service",
			Prefix:          "/api/payments",
			StripSegments:   1,
			Backend:         mustParse(envOr("PAYMENT_SERVICE_URL", "http://payment-service:8083")),
			UpstreamService: "payment-service",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
