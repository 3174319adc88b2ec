package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/telemetrygw/analytics/internal/cache"
	"github.com/splax/telemetrygw/analytics/internal/digest"
	"github.com/splax/telemetrygw/analytics/internal/engine"
	httpx "github.com/splax/telemetrygw/analytics/internal/http"
	"github.com/splax/telemetrygw/analytics/internal/ingest"
	"github.com/splax/telemetrygw/analytics/internal/query"
	"github.com/splax/telemetrygw/analytics/internal/sink"
	"github.com/splax/telemetrygw/analytics/internal/ws"
	"github.com/splax/telemetrygw/pkg/config"
	"github.com/splax/telemetrygw/pkg/logger"
)

func main() {
	cfg := config.LoadAnalyticsConfig()
	log := logger.New("analytics", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	store := sink.NewPostgresStore(pgPool)
	metricCache := cache.New(redisClient, cfg.CacheTTL)
	digests := digest.NewRegistry(cfg.DigestStripes, cfg.DigestCompression)

	eng, err := engine.New(engine.Config{
		WindowSeconds:  cfg.WindowSeconds,
		Debounce:       cfg.ComputeDebounce,
		BufferTrigger:  cfg.ComputeBufferTrigger,
		SweepInterval:  cfg.SweepInterval,
		SweepTimeout:   cfg.SweepTimeout,
		ComputeWorkers: cfg.ComputeWorkers,
	}, digests, metricCache, log.With("component", "engine"))
	if err != nil {
		log.Error("failed to start metric engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	rawSink, err := sink.New(sink.Config{
		QueueCapacity: cfg.SinkQueueSize,
		Workers:       cfg.SinkWorkers,
		BatchSize:     cfg.SinkBatchSize,
		FlushInterval: cfg.SinkBatchWindow,
	}, store, log.With("component", "sink"))
	if err != nil {
		log.Error("failed to start raw sink", "error", err)
		os.Exit(1)
	}
	defer rawSink.Close()

	hub := ws.NewHub()
	eng.SetBroadcaster(hub)

	ingestHandler := ingest.New(rawSink, eng, log.With("component", "ingest"))
	queryHandler := query.New(metricCache, store, log.With("component", "query"))

	router := httpx.NewRouter(httpx.Options{
		Logger: log,
		Ingest: ingestHandler,
		Query:  queryHandler,
		Engine: eng,
		Sink:   rawSink,
		Cache:  metricCache,
		Hub:    hub,
		DBHealth: func(ctx context.Context) error {
			return pgPool.Ping(ctx)
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("analytics server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("analytics server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
