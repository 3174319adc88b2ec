// Package ingest implements C6, the ingest handlers: the analytics service's
// only public write path, accepting single or batched telemetry records from
// the gateway and fanning each accepted record out to the raw sink (C2) and
// the event buffer (C5).
package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Sink is the narrow interface ingest depends on for C2.
type Sink interface {
	Enqueue(record telemetry.Record)
}

// Engine is the narrow interface ingest depends on for C5.
type Engine interface {
	Ingest(key telemetry.Key, record telemetry.Record)
	TriggerImmediate(key telemetry.Key)
}

// Handler serves the ingest endpoints.
type Handler struct {
	sink   Sink
	engine Engine
	logger *slog.Logger

	// parallelFanOutThreshold is the batch size above which per-record
	// fan-out is parallelized across goroutines.
	parallelFanOutThreshold int
}

// New constructs an ingest Handler.
func New(sink Sink, engine Engine, logger *slog.Logger) *Handler {
	return &Handler{sink: sink, engine: engine, logger: logger, parallelFanOutThreshold: 100}
}

// HandleSingle serves POST /api/v1/telemetry/ingest.
func (h *Handler) HandleSingle(w http.ResponseWriter, req *http.Request) {
	var record telemetry.Record
	if err := json.NewDecoder(req.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "malformed telemetry record")
		return
	}
	if !record.Valid() {
		writeError(w, http.StatusBadRequest, "record missing path, method, or requestId")
		return
	}
	h.accept(record)
	w.WriteHeader(http.StatusAccepted)
}

// HandleBatch serves POST /api/v1/telemetry/ingest/batch. The whole batch is
// rejected with 400 only if it is empty or every element fails validation;
// otherwise valid elements are accepted and invalid ones silently skipped.
func (h *Handler) HandleBatch(w http.ResponseWriter, req *http.Request) {
	var records []telemetry.Record
	if err := json.NewDecoder(req.Body).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, "malformed telemetry batch")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	valid := make([]telemetry.Record, 0, len(records))
	for _, r := range records {
		if r.Valid() {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		writeError(w, http.StatusBadRequest, "no valid records in batch")
		return
	}

	if len(valid) > h.parallelFanOutThreshold {
		h.acceptParallel(valid)
	} else {
		for _, r := range valid {
			h.accept(r)
		}
	}
	h.triggerDistinctKeys(valid)

	w.WriteHeader(http.StatusAccepted)
}

// accept normalizes one record and fans it out to the sink and the engine.
func (h *Handler) accept(record telemetry.Record) {
	record.Path = telemetry.NormalizePath(record.Path)
	record.Method = strings.ToUpper(record.Method)
	key := telemetry.KeyOf(record)
	h.sink.Enqueue(record)
	h.engine.Ingest(key, record)
}

func (h *Handler) acceptParallel(records []telemetry.Record) {
	var wg sync.WaitGroup
	wg.Add(len(records))
	for _, r := range records {
		r := r
		go func() {
			defer wg.Done()
			h.accept(r)
		}()
	}
	wg.Wait()
}

// triggerDistinctKeys forces an immediate recompute for each distinct key
// present in the batch, so freshly-arrived traffic surfaces on the dashboard
// without waiting out the debounce window.
func (h *Handler) triggerDistinctKeys(records []telemetry.Record) {
	seen := make(map[telemetry.Key]struct{}, len(records))
	for _, r := range records {
		key := telemetry.KeyOf(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		h.engine.TriggerImmediate(key)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
