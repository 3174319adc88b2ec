package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

type fakeSink struct {
	mu      sync.Mutex
	records []telemetry.Record
}

func (f *fakeSink) Enqueue(record telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeEngine struct {
	mu        sync.Mutex
	ingested  []telemetry.Key
	triggered []telemetry.Key
}

func (f *fakeEngine) Ingest(key telemetry.Key, record telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, key)
}

func (f *fakeEngine) TriggerImmediate(key telemetry.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, key)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleSingleAcceptsValidRecord(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	body, _ := json.Marshal(telemetry.Record{RequestID: "r1", Path: "/api/users", Method: "GET"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleSingle(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if sink.count() != 1 {
		t.Errorf("expected 1 record enqueued to sink, got %d", sink.count())
	}
}

func TestHandleSingleRejectsInvalidRecord(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	body, _ := json.Marshal(telemetry.Record{Path: "/api/users"}) // missing requestId, method
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleSingle(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if sink.count() != 0 {
		t.Error("expected no fan-out for an invalid record")
	}
}

func TestHandleBatchAcceptsPartiallyValidBatch(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	records := []telemetry.Record{
		{RequestID: "r1", Path: "/api/users", Method: "GET"},
		{Path: "/api/orders"}, // invalid: no requestId or method
		{RequestID: "r3", Path: "/api/orders", Method: "POST"},
	}
	body, _ := json.Marshal(records)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleBatch(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for a partially valid batch, got %d", w.Code)
	}
	if sink.count() != 2 {
		t.Errorf("expected 2 valid records enqueued, got %d", sink.count())
	}
	if len(engine.triggered) != 2 {
		t.Errorf("expected 2 distinct keys triggered, got %d", len(engine.triggered))
	}
}

func TestHandleBatchRejectsWhollyInvalidBatch(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	records := []telemetry.Record{{Path: "/api/users"}, {Method: "GET"}}
	body, _ := json.Marshal(records)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleBatch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a wholly invalid batch, got %d", w.Code)
	}
}

func TestHandleBatchRejectsEmptyBatch(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest/batch", bytes.NewReader([]byte("[]")))
	w := httptest.NewRecorder()
	h.HandleBatch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an empty batch, got %d", w.Code)
	}
}

func TestHandleBatchDeduplicatesTriggeredKeys(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())

	records := []telemetry.Record{
		{RequestID: "r1", Path: "/api/users", Method: "GET"},
		{RequestID: "r2", Path: "/api/users", Method: "GET"},
		{RequestID: "r3", Path: "/api/users", Method: "GET"},
	}
	body, _ := json.Marshal(records)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleBatch(w, req)

	if len(engine.triggered) != 1 {
		t.Errorf("expected a single trigger for 3 records sharing one key, got %d", len(engine.triggered))
	}
}

func TestHandleBatchParallelFanOutAboveThreshold(t *testing.T) {
	sink, engine := &fakeSink{}, &fakeEngine{}
	h := New(sink, engine, discardLogger())
	h.parallelFanOutThreshold = 5

	records := make([]telemetry.Record, 0, 20)
	for i := 0; i < 20; i++ {
		records = append(records, telemetry.Record{RequestID: "r", Path: "/api/users", Method: "GET"})
	}
	body, _ := json.Marshal(records)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/ingest/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleBatch(w, req)

	if sink.count() != 20 {
		t.Errorf("expected all 20 records enqueued via parallel fan-out, got %d", sink.count())
	}
}
