package httpx

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires the ordered gateway filter chain: authenticate -> rate-limit
// -> route -> telemetry capture.
type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger

	limiter          RateLimiter
	emitter          Emitter
	routes           *RouteTable
	skipAuthPaths    []string
	apiKeyHeader     string
	apiKeyMinLength  int
	rateLimitWindow  time.Duration
	rateLimitDefault int
	upstreamClient   *http.Client
	upstreamTimeout  time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Options configures a new Router.
type Options struct {
	Logger           *slog.Logger
	Limiter          RateLimiter
	Emitter          Emitter
	Routes           *RouteTable
	SkipAuthPaths    []string
	APIKeyHeader     string
	APIKeyMinLength  int
	RateLimitWindow  time.Duration
	RateLimitDefault int
	UpstreamTimeout  time.Duration
}

// NewRouter assembles the gateway's HTTP handler.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:              http.NewServeMux(),
		logger:           opts.Logger,
		limiter:          opts.Limiter,
		emitter:          opts.Emitter,
		routes:           opts.Routes,
		skipAuthPaths:    opts.SkipAuthPaths,
		apiKeyHeader:     opts.APIKeyHeader,
		apiKeyMinLength:  opts.APIKeyMinLength,
		rateLimitWindow:  opts.RateLimitWindow,
		rateLimitDefault: opts.RateLimitDefault,
		upstreamTimeout:  opts.UpstreamTimeout,
		upstreamClient:   newUpstreamClient(opts.UpstreamTimeout),
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.apiKeyHeader == "" {
		r.apiKeyHeader = "X-API-Key"
	}
	if r.apiKeyMinLength <= 0 {
		r.apiKeyMinLength = 8
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources owned by the router.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	// telemetryCapture wraps the whole filter chain, not just route: the
	// completion hook must fire even when authenticate or rateLimit
	// short-circuit the response, so those paths carry telemetry too.
	chain := r.telemetryCapture(r.authenticate(r.rateLimit(r.route)))
	r.mux.Handle("/healthz", http.HandlerFunc(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.Handle("/", r.instrument(chain))
}

// instrument wraps the full chain with ambient prometheus counters; it does
// not participate in filter precedence, it only observes the outcome.
func (r *Router) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, time.Since(start))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
