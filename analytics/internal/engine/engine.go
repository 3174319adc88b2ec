// Package engine implements C5, the event buffer and metric engine: a
// per-key buffer of recent records that debounces recomputation of a sliding
// window aggregate, ages out stale events, and sweeps periodically so
// aggregates stay fresh even when traffic tapers off.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/panjf2000/ants/v2"

	"github.com/splax/telemetrygw/analytics/internal/cache"
	"github.com/splax/telemetrygw/analytics/internal/digest"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Config holds the engine's tunables.
type Config struct {
	WindowSeconds   int
	Debounce        time.Duration
	BufferTrigger   int
	SweepInterval   time.Duration
	SweepTimeout    time.Duration
	ComputeWorkers  int
}

type event struct {
	statusCode int
	latencyMs  int64
	timestamp  time.Time
}

type keyState struct {
	mu              sync.RWMutex
	events          []event
	lastCompute     atomic.Int64 // unix millis; 0 means uninitialized
	lastComputeSize atomic.Int64 // buffer size snapshot at the last claimed compute
}

// Broadcaster pushes a freshly computed aggregate to the dashboard stream.
// It is optional: an Engine with no broadcaster simply skips the push.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Engine is explicitly constructed and passed into handlers; there is no
// package-level singleton, per the design note preferring that over
// implicit global state.
type Engine struct {
	cfg         Config
	digests     *digest.Registry
	cache       *cache.Cache
	logger      *slog.Logger
	pool        *ants.Pool
	broadcaster Broadcaster

	mu   sync.RWMutex
	keys map[telemetry.Key]*keyState

	stopCh chan struct{}
	doneCh chan struct{}

	computeSubmissions atomic.Int64
}

// SetBroadcaster wires the dashboard push channel. Called once during
// startup wiring, before any traffic arrives.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// New constructs an Engine backed by the given percentile digest registry
// and metric cache, and starts its periodic sweep loop.
func New(cfg Config, digests *digest.Registry, metricCache *cache.Cache, logger *slog.Logger) (*Engine, error) {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.BufferTrigger <= 0 {
		cfg.BufferTrigger = 5
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2000 * time.Millisecond
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Second
	}
	if cfg.ComputeWorkers <= 0 {
		cfg.ComputeWorkers = 8
	}
	pool, err := ants.NewPool(cfg.ComputeWorkers)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		digests: digests,
		cache:   metricCache,
		logger:  logger,
		pool:    pool,
		keys:    make(map[telemetry.Key]*keyState),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go e.sweepLoop()
	return e, nil
}

func (e *Engine) stateFor(key telemetry.Key) *keyState {
	e.mu.RLock()
	ks, ok := e.keys[key]
	e.mu.RUnlock()
	if ok {
		return ks
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ks, ok := e.keys[key]; ok {
		return ks
	}
	ks = &keyState{}
	e.keys[key] = ks
	return ks
}

// Ingest appends a record to its key's event buffer, feeds the percentile
// digest, and decides whether to claim a compute task for the key.
func (e *Engine) Ingest(key telemetry.Key, rec telemetry.Record) {
	ks := e.stateFor(key)
	ev := event{statusCode: rec.StatusCode, latencyMs: rec.LatencyMs, timestamp: rec.Timestamp}

	ks.mu.Lock()
	ks.events = append(ks.events, ev)
	bufferSize := len(ks.events)
	ks.mu.Unlock()

	e.digests.Add(key, float64(rec.LatencyMs))

	e.maybeCompute(key, ks, bufferSize)
}

// maybeCompute applies the debounce rule and, if this caller wins the CAS
// claim on lastCompute, submits the compute task to the worker pool. The
// buffer-size trigger is a burst fast-path, not an unconditional override: it
// only fires once the buffer has grown by BufferTrigger events since the
// last claimed compute, so a sustained burst still yields a bounded number
// of extra compute tasks rather than one per event.
func (e *Engine) maybeCompute(key telemetry.Key, ks *keyState, bufferSize int) {
	now := time.Now().UnixMilli()
	last := ks.lastCompute.Load()
	grown := int64(bufferSize) - ks.lastComputeSize.Load()
	shouldCompute := last == 0 || now-last >= e.cfg.Debounce.Milliseconds() || grown >= int64(e.cfg.BufferTrigger)
	if !shouldCompute {
		return
	}
	if !ks.lastCompute.CompareAndSwap(last, now) {
		return // another goroutine already claimed this interval
	}
	ks.lastComputeSize.Store(int64(bufferSize))
	e.submitCompute(key)
}

// TriggerImmediate forces a compute task for key regardless of debounce
// state, used by the ingest handler so new traffic surfaces on the
// dashboard within about two seconds.
func (e *Engine) TriggerImmediate(key telemetry.Key) {
	ks := e.stateFor(key)
	ks.mu.RLock()
	bufferSize := int64(len(ks.events))
	ks.mu.RUnlock()
	ks.lastCompute.Store(time.Now().UnixMilli())
	ks.lastComputeSize.Store(bufferSize)
	e.submitCompute(key)
}

func (e *Engine) submitCompute(key telemetry.Key) {
	e.computeSubmissions.Add(1)
	err := e.pool.Submit(func() {
		e.compute(key)
	})
	if err != nil {
		e.logger.Warn("compute task rejected by worker pool", "error", err, "key", key.String())
	}
}

// computeSubmissionCount returns the number of compute tasks submitted so
// far across all keys, used by tests to verify the debounce rule actually
// bounds the number of tasks a burst of ingests produces.
func (e *Engine) computeSubmissionCount() int64 {
	return e.computeSubmissions.Load()
}

// compute recomputes the aggregate for key from its current event buffer,
// writes it into the metric cache, and ages stale events out of the buffer.
// A per-key failure is logged and swallowed: it must never affect the
// sweeper or other keys.
func (e *Engine) compute(key telemetry.Key) {
	e.mu.RLock()
	ks, ok := e.keys[key]
	e.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()
	windowStart := now.Add(-time.Duration(e.cfg.WindowSeconds) * time.Second)

	ks.mu.RLock()
	kept := make([]event, 0, len(ks.events))
	for _, ev := range ks.events {
		if ev.timestamp.After(windowStart) {
			kept = append(kept, ev)
		}
	}
	ks.mu.RUnlock()

	if len(kept) == 0 {
		e.age(key, ks, now)
		return
	}

	agg := e.buildAggregate(key, kept, windowStart, now)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.cache.Set(ctx, key, agg); err != nil {
		e.logger.Error("failed to write aggregate to cache", "error", err, "key", key.String())
	}

	e.pushToDashboard(agg)

	e.age(key, ks, now)
}

// pushToDashboard best-effort broadcasts the aggregate to any connected
// dashboard websocket clients. A marshal failure or absent broadcaster is
// not an error the compute path should surface anywhere else.
func (e *Engine) pushToDashboard(agg telemetry.WindowAggregate) {
	if e.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(agg)
	if err != nil {
		e.logger.Error("failed to marshal aggregate for dashboard push", "error", err)
		return
	}
	e.broadcaster.Broadcast(payload)
}

func (e *Engine) buildAggregate(key telemetry.Key, kept []event, windowStart, now time.Time) telemetry.WindowAggregate {
	requestCount := int64(len(kept))
	var errorCount int64
	minLatency := kept[0].latencyMs
	maxLatency := kept[0].latencyMs
	earliest, latest := kept[0].timestamp, kept[0].timestamp
	latencies := make([]float64, 0, len(kept))
	for _, ev := range kept {
		if ev.statusCode >= 400 {
			errorCount++
		}
		if ev.latencyMs < minLatency {
			minLatency = ev.latencyMs
		}
		if ev.latencyMs > maxLatency {
			maxLatency = ev.latencyMs
		}
		if ev.timestamp.Before(earliest) {
			earliest = ev.timestamp
		}
		if ev.timestamp.After(latest) {
			latest = ev.timestamp
		}
		latencies = append(latencies, float64(ev.latencyMs))
	}
	successCount := requestCount - errorCount
	errorRate := 0.0
	if requestCount > 0 {
		errorRate = 100 * float64(errorCount) / float64(requestCount)
	}

	p50 := e.percentile(key, latencies, 0.50)
	p90 := e.percentile(key, latencies, 0.90)
	p99 := e.percentile(key, latencies, 0.99)
	rps := computeRPS(requestCount, earliest, latest, e.cfg.WindowSeconds)

	return telemetry.WindowAggregate{
		Endpoint:     key.Path,
		Method:       key.Method,
		WindowStart:  windowStart,
		WindowEnd:    now,
		RequestCount: requestCount,
		RPS:          rps,
		P50LatencyMs: p50,
		P90LatencyMs: p90,
		P99LatencyMs: p99,
		MinLatencyMs: minLatency,
		MaxLatencyMs: maxLatency,
		ErrorRate:    errorRate,
		ErrorCount:   errorCount,
		SuccessCount: successCount,
	}
}

// percentile prefers the key's streaming digest; if the digest is
// unavailable or empty it falls back to sorting the event sample directly.
func (e *Engine) percentile(key telemetry.Key, latencies []float64, q float64) float64 {
	if d, ok := e.digests.Get(key); ok {
		if v, ok := d.Quantile(q); ok {
			return v
		}
	}
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)
	v, err := stats.Percentile(stats.Float64Data(sorted), q*100)
	if err != nil {
		idx := int(float64(len(sorted)) * q)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return v
}

// computeRPS applies the §4.5 RPS rule: for spans of a second or more it is
// the simple rate; for sub-second spans it is the larger of the instant and
// windowed rate, so short bursts are not underreported; a single event
// falls back to the windowed rate.
func computeRPS(requestCount int64, earliest, latest time.Time, windowSeconds int) float64 {
	span := latest.Sub(earliest)
	switch {
	case span >= time.Second:
		return float64(requestCount) / span.Seconds()
	case span > 0:
		instantRps := float64(requestCount) / span.Seconds()
		windowRps := float64(requestCount) / float64(windowSeconds)
		if instantRps > windowRps {
			return instantRps
		}
		return windowRps
	default:
		return float64(requestCount) / float64(windowSeconds)
	}
}

// age removes events older than windowSeconds+10s from the buffer, and
// drops the key's digest once the buffer is empty.
func (e *Engine) age(key telemetry.Key, ks *keyState, now time.Time) {
	cutoff := now.Add(-time.Duration(e.cfg.WindowSeconds+10) * time.Second)
	ks.mu.Lock()
	kept := ks.events[:0:0]
	for _, ev := range ks.events {
		if ev.timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	ks.events = kept
	empty := len(ks.events) == 0
	ks.mu.Unlock()

	if empty {
		e.mu.Lock()
		delete(e.keys, key)
		e.mu.Unlock()
		e.digests.Drop(key)
	}
}

// sweepLoop periodically recomputes every known key even without new
// traffic, so aggregates stay fresh while the load tapers off.
func (e *Engine) sweepLoop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepOnce()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepOnce() {
	e.mu.RLock()
	keys := make([]telemetry.Key, 0, len(e.keys))
	for k := range e.keys {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			e.compute(k)
		})
		if err != nil {
			wg.Done()
			e.logger.Warn("sweep compute task rejected by worker pool", "error", err, "key", k.String())
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.SweepTimeout):
		e.logger.Warn("sweep did not complete within timeout", "timeout", e.cfg.SweepTimeout, "keys", len(keys))
	}
}

// PendingCompute returns the number of compute tasks currently queued or
// running in the worker pool, reported by the debug endpoint.
func (e *Engine) PendingCompute() int {
	return e.pool.Running() + e.pool.Waiting()
}

// ActiveKeys returns the number of keys with a live event buffer.
func (e *Engine) ActiveKeys() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.keys)
}

// EventsInWindow returns the total number of buffered events across all
// keys within the last `seconds` seconds.
func (e *Engine) EventsInWindow(seconds int) int64 {
	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second)
	e.mu.RLock()
	states := make([]*keyState, 0, len(e.keys))
	for _, ks := range e.keys {
		states = append(states, ks)
	}
	e.mu.RUnlock()

	var total int64
	for _, ks := range states {
		ks.mu.RLock()
		for _, ev := range ks.events {
			if ev.timestamp.After(cutoff) {
				total++
			}
		}
		ks.mu.RUnlock()
	}
	return total
}

// Close stops the sweep loop and releases the worker pool.
func (e *Engine) Close() {
	close(e.stopCh)
	<-e.doneCh
	e.pool.Release()
}
