// Package query implements C9, the read-side metrics API: serving cached
// window aggregates and raw-store-backed rollups to dashboards and clients.
package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/splax/telemetrygw/analytics/internal/sink"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Cache is the narrow interface query depends on for cached aggregates.
type Cache interface {
	Get(ctx context.Context, key telemetry.Key) (telemetry.WindowAggregate, bool, error)
	All(ctx context.Context) ([]telemetry.WindowAggregate, error)
}

// RawStore is the narrow interface query depends on for raw-event rollups.
type RawStore interface {
	CountSince(ctx context.Context, since time.Time) (int64, error)
	TopEndpoints(ctx context.Context, since time.Time, limit int) ([]sink.EndpointCount, error)
}

const defaultRPSWindow = 60 * time.Second

// Handler serves the read-side metrics endpoints.
type Handler struct {
	cache    Cache
	rawStore RawStore
	logger   *slog.Logger
}

// New constructs a query Handler.
func New(cache Cache, rawStore RawStore, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, rawStore: rawStore, logger: logger}
}

// HandleAggregated serves GET /api/v1/metrics/aggregated. A cache error
// degrades to an empty set rather than a 500: the dashboard should keep
// polling through a cache outage instead of erroring out.
func (h *Handler) HandleAggregated(w http.ResponseWriter, req *http.Request) {
	aggregates, err := h.cache.All(req.Context())
	if err != nil {
		h.logger.Error("metric cache unavailable, returning empty aggregate set", "error", err)
		aggregates = nil
	}
	if aggregates == nil {
		aggregates = []telemetry.WindowAggregate{}
	}
	writeJSON(w, http.StatusOK, aggregates)
}

// HandleEndpoint serves GET /api/v1/metrics/endpoint/{path}?method=GET.
func (h *Handler) HandleEndpoint(w http.ResponseWriter, req *http.Request, path string) {
	method := req.URL.Query().Get("method")
	if method == "" {
		method = http.MethodGet
	}
	key := telemetry.Key{Path: telemetry.NormalizePath(path), Method: method}
	agg, ok, err := h.cache.Get(req.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load aggregate")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no aggregate for that endpoint and method")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// HandleRPS serves GET /api/v1/metrics/rps: an overall requests-per-second
// figure derived from the raw store's last-minute count, independent of the
// per-key digests so it keeps working even if C5's buffers are cold. A raw
// store outage degrades to rps=0 rather than a 500, per the dashboard's
// need to stay populated from the in-memory engine alone.
func (h *Handler) HandleRPS(w http.ResponseWriter, req *http.Request) {
	since := time.Now().Add(-defaultRPSWindow)
	count, err := h.rawStore.CountSince(req.Context(), since)
	if err != nil {
		h.logger.Error("raw store unavailable, reporting rps=0", "error", err)
		count = 0
	}
	rps := float64(count) / defaultRPSWindow.Seconds()
	writeJSON(w, http.StatusOK, map[string]any{
		"rps":            rps,
		"window_seconds": int(defaultRPSWindow.Seconds()),
	})
}

// HandleTopEndpoints serves GET /api/v1/metrics/top-endpoints?limit=N.
func (h *Handler) HandleTopEndpoints(w http.ResponseWriter, req *http.Request) {
	limit := 10
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	since := time.Now().Add(-defaultRPSWindow)
	top, err := h.rawStore.TopEndpoints(req.Context(), since, limit)
	if err != nil {
		h.logger.Error("raw store unavailable, returning empty top-endpoints", "error", err)
		top = nil
	}
	if top == nil {
		top = []sink.EndpointCount{}
	}
	writeJSON(w, http.StatusOK, top)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
