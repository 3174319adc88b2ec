package config

import "time"

// AnalyticsConfig holds runtime configuration for the analytics service.
type AnalyticsConfig struct {
	Environment string
	Addr        string
	DatabaseURL string

	RedisAddr string
	RedisPass string
	RedisDB   int
	CacheTTL  time.Duration

	SinkQueueSize   int
	SinkWorkers     int
	SinkBatchSize   int
	SinkBatchWindow time.Duration

	ComputeWorkers      int
	ComputeDebounce     time.Duration
	ComputeBufferTrigger int
	SweepInterval       time.Duration
	SweepTimeout        time.Duration
	WindowSeconds       int

	DigestCompression int
	DigestStripes     int

	ShutdownDrainTimeout time.Duration
}

// LoadAnalyticsConfig constructs an AnalyticsConfig from environment variables.
func LoadAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("ANALYTICS_ADDR", ":9090"),
		DatabaseURL: GetString("DATABASE_URL", "postgres://analytics:analytics@db:5432/analytics?sslmode=disable"),

		RedisAddr: GetString("ANALYTICS_REDIS_ADDR", "redis:6379"),
		RedisPass: GetString("ANALYTICS_REDIS_PASSWORD", ""),
		RedisDB:   GetInt("ANALYTICS_REDIS_DB", 0),
		CacheTTL:  GetDuration("ANALYTICS_CACHE_TTL", 5*time.Minute),

		SinkQueueSize:   GetInt("SINK_QUEUE_SIZE", 1_000_000),
		SinkWorkers:     GetInt("SINK_WORKERS", 8),
		SinkBatchSize:   GetInt("SINK_BATCH_SIZE", 5000),
		SinkBatchWindow: GetDuration("SINK_BATCH_WINDOW", 500*time.Millisecond),

		ComputeWorkers:       GetInt("COMPUTE_WORKERS", 8),
		ComputeDebounce:      GetDuration("COMPUTE_DEBOUNCE", 100*time.Millisecond),
		ComputeBufferTrigger: GetInt("COMPUTE_BUFFER_TRIGGER", 5),
		SweepInterval:        GetDuration("SWEEP_INTERVAL", 2000*time.Millisecond),
		SweepTimeout:         GetDuration("SWEEP_TIMEOUT", 5*time.Second),
		WindowSeconds:        GetInt("METRIC_WINDOW_SECONDS", 60),

		DigestCompression: GetInt("DIGEST_COMPRESSION", 100),
		DigestStripes:     GetInt("DIGEST_STRIPES", 32),

		ShutdownDrainTimeout: GetDuration("SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second),
	}
}
