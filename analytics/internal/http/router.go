// Package httpx wires the analytics service's HTTP surface: the ingest and
// query endpoints, the dashboard websocket push channel, the debug
// endpoint, and ambient health/metrics routes.
package httpx

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/telemetrygw/analytics/internal/ingest"
	"github.com/splax/telemetrygw/analytics/internal/query"
	"github.com/splax/telemetrygw/analytics/internal/ws"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

const healthCheckTimeout = 2 * time.Second

// metricCache is the narrow cache interface the debug handler depends on.
type metricCache interface {
	All(ctx context.Context) ([]telemetry.WindowAggregate, error)
}

// engineStats is the narrow introspection interface the debug handler
// depends on for C5's buffers.
type engineStats interface {
	EventsInWindow(seconds int) int64
	ActiveKeys() int
	PendingCompute() int
}

// sinkStats is the narrow introspection interface the debug handler depends
// on for C2's queue.
type sinkStats interface {
	QueueDepth() int
}

// Router wires HTTP endpoints to the ingest, query, and dashboard push
// components.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	ingest   *ingest.Handler
	query    *query.Handler
	engine   engineStats
	sink     sinkStats
	cache    metricCache
	hub      *ws.Hub
	upgrader websocket.Upgrader
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	ingestResults      *prometheus.CounterVec
}

// Options collects Router's dependencies.
type Options struct {
	Logger   *slog.Logger
	Ingest   *ingest.Handler
	Query    *query.Handler
	Engine   engineStats
	Sink     sinkStats
	Cache    metricCache
	Hub      *ws.Hub
	DBHealth func(context.Context) error
}

// NewRouter assembles the analytics HTTP surface.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   opts.Logger,
		ingest:   opts.Ingest,
		query:    opts.Query,
		engine:   opts.Engine,
		sink:     opts.Sink,
		cache:    opts.Cache,
		hub:      opts.Hub,
		dbHealth: opts.DBHealth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if r.hub == nil {
		r.hub = ws.NewHub()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/api/v1/telemetry/ingest", r.instrument("/api/v1/telemetry/ingest", r.handleIngestSingle))
	r.mux.HandleFunc("/api/v1/telemetry/ingest/batch", r.instrument("/api/v1/telemetry/ingest/batch", r.handleIngestBatch))
	r.mux.HandleFunc("/api/v1/telemetry/debug", r.instrument("/api/v1/telemetry/debug", r.handleDebug))

	r.mux.HandleFunc("/api/v1/metrics/aggregated", r.instrument("/api/v1/metrics/aggregated", r.query.HandleAggregated))
	r.mux.HandleFunc("/api/v1/metrics/endpoint/", r.instrument("/api/v1/metrics/endpoint", r.handleEndpoint))
	r.mux.HandleFunc("/api/v1/metrics/rps", r.instrument("/api/v1/metrics/rps", r.query.HandleRPS))
	r.mux.HandleFunc("/api/v1/metrics/top-endpoints", r.instrument("/api/v1/metrics/top-endpoints", r.query.HandleTopEndpoints))
	r.mux.HandleFunc("/api/v1/metrics/stream", r.handleStream)
}

func (r *Router) handleIngestSingle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	recorder := &responseRecorder{ResponseWriter: w}
	r.ingest.HandleSingle(recorder, req)
	r.recordIngestResult(ingestOutcome(recorder.status))
}

func (r *Router) handleIngestBatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	recorder := &responseRecorder{ResponseWriter: w}
	r.ingest.HandleBatch(recorder, req)
	r.recordIngestResult(ingestOutcome(recorder.status))
}

func ingestOutcome(status int) string {
	if status == http.StatusAccepted {
		return "accepted"
	}
	return "rejected"
}

func (r *Router) handleEndpoint(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/api/v1/metrics/endpoint")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		writeError(w, http.StatusBadRequest, "endpoint path required")
		return
	}
	r.query.HandleEndpoint(w, req, "/"+path)
}

// handleStream upgrades to a websocket connection subscribed to the
// dashboard push channel; it registers with the hub and blocks reading
// (discarding client frames) until the connection closes.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)
	defer func() {
		r.hub.Unregister(client)
		client.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	components := make(map[string]any)
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
