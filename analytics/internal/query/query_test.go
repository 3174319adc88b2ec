package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/telemetrygw/analytics/internal/sink"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCache struct {
	byKey map[telemetry.Key]telemetry.WindowAggregate
	all   []telemetry.WindowAggregate
	err   error
}

func (f *fakeCache) Get(ctx context.Context, key telemetry.Key) (telemetry.WindowAggregate, bool, error) {
	if f.err != nil {
		return telemetry.WindowAggregate{}, false, f.err
	}
	agg, ok := f.byKey[key]
	return agg, ok, nil
}

func (f *fakeCache) All(ctx context.Context) ([]telemetry.WindowAggregate, error) {
	return f.all, f.err
}

type fakeRawStore struct {
	count int64
	top   []sink.EndpointCount
	err   error
}

func (f *fakeRawStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return f.count, f.err
}

func (f *fakeRawStore) TopEndpoints(ctx context.Context, since time.Time, limit int) ([]sink.EndpointCount, error) {
	f.lastLimit = limit
	return f.top, f.err
}

func TestHandleEndpointReturns404WhenAbsent(t *testing.T) {
	h := New(&fakeCache{byKey: map[telemetry.Key]telemetry.WindowAggregate{}}, &fakeRawStore{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/endpoint/api/users?method=GET", nil)
	w := httptest.NewRecorder()
	h.HandleEndpoint(w, req, "/api/users")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleEndpointReturnsCachedAggregate(t *testing.T) {
	key := telemetry.Key{Path: "/api/users", Method: "GET"}
	h := New(&fakeCache{byKey: map[telemetry.Key]telemetry.WindowAggregate{
		key: {Endpoint: "/api/users", Method: "GET", RequestCount: 42},
	}}, &fakeRawStore{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/endpoint/api/users?method=GET", nil)
	w := httptest.NewRecorder()
	h.HandleEndpoint(w, req, "/api/users")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleAggregatedReturnsEmptyArrayNotNull(t *testing.T) {
	h := New(&fakeCache{all: nil}, &fakeRawStore{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/aggregated", nil)
	w := httptest.NewRecorder()
	h.HandleAggregated(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("expected an empty JSON array body, got %q", got)
	}
}

func TestHandleAggregatedDegradesToEmptyOnCacheError(t *testing.T) {
	h := New(&fakeCache{err: errors.New("redis unavailable")}, &fakeRawStore{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/aggregated", nil)
	w := httptest.NewRecorder()
	h.HandleAggregated(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even when the cache errors, got %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("expected an empty JSON array body, got %q", got)
	}
}

func TestHandleRPSDegradesToZeroOnStoreError(t *testing.T) {
	h := New(&fakeCache{}, &fakeRawStore{err: errors.New("db unavailable")}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/rps", nil)
	w := httptest.NewRecorder()
	h.HandleRPS(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even when the raw store errors, got %d", w.Code)
	}
}

func TestHandleRPSDividesCountByWindow(t *testing.T) {
	h := New(&fakeCache{}, &fakeRawStore{count: 120}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/rps", nil)
	w := httptest.NewRecorder()
	h.HandleRPS(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if _, ok := body["window_seconds"]; !ok {
		t.Errorf("expected response to carry the window_seconds key, got %v", body)
	}
	if rps, _ := body["rps"].(float64); rps != 2 {
		t.Errorf("expected rps 2 (120 requests / 60s), got %v", body["rps"])
	}
}

func TestHandleTopEndpointsDefaultsLimit(t *testing.T) {
	store := &fakeRawStore{top: []sink.EndpointCount{{Endpoint: "/api/users", Count: 10}}}
	h := New(&fakeCache{}, store, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/top-endpoints", nil)
	w := httptest.NewRecorder()
	h.HandleTopEndpoints(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if store.lastLimit != 10 {
		t.Errorf("expected the default limit 10 when none is given, got %d", store.lastLimit)
	}
}
