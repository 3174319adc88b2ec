// Package telemetry implements C7, the gateway-side telemetry emitter: a
// non-blocking bounded queue fed by the request path and drained by a single
// background worker that batches records and POSTs them to the analytics
// service with retry.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Config holds the emitter's tunables; zero values are replaced with the
// spec's defaults by New.
type Config struct {
	QueueCapacity   int
	BatchSize       int
	FlushInterval   time.Duration
	AnalyticsURL    string
	RetryMax        int
	RetryBase       time.Duration
	ShutdownDrain   time.Duration
}

// Emitter is a non-blocking fan-in, fire-and-forget fan-out dispatcher. The
// only contention point on the request path is a lock-free channel offer.
type Emitter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	queue    chan telemetry.Record
	stopCh   chan struct{}
	doneCh   chan struct{}
	closeOnce sync.Once

	dropped    atomic.Int64
	dropLogged atomic.Int64
}

const dropLogEvery = 100

// New constructs an Emitter and starts its background drain worker.
func New(cfg Config, logger *slog.Logger) *Emitter {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1_000_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.ShutdownDrain <= 0 {
		cfg.ShutdownDrain = 5 * time.Second
	}
	e := &Emitter{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan telemetry.Record, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go e.drainLoop()
	return e
}

// Emit offers record into the bounded queue. It never blocks: on a full
// queue it increments the dropped counter and returns immediately.
func (e *Emitter) Emit(record telemetry.Record) {
	select {
	case e.queue <- record:
	default:
		n := e.dropped.Add(1)
		if n%dropLogEvery == 0 {
			e.logger.Warn("telemetry emitter queue full, dropping records", "dropped_total", n)
		}
	}
}

// Dropped returns the cumulative count of records dropped for a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

func (e *Emitter) drainLoop() {
	defer close(e.doneCh)
	batch := make([]telemetry.Record, 0, e.cfg.BatchSize)
	lastFlush := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.flush(batch)
		batch = batch[:0]
		lastFlush = time.Now()
	}

	for {
		select {
		case record, ok := <-e.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && time.Since(lastFlush) >= e.cfg.FlushInterval {
				flush()
			}
		case <-e.stopCh:
			e.drainRemaining(&batch)
			flush()
			return
		}
	}
}

// drainRemaining pulls whatever is left in the queue, bounded by the
// configured shutdown drain window, so a final flush captures it.
func (e *Emitter) drainRemaining(batch *[]telemetry.Record) {
	deadline := time.After(e.cfg.ShutdownDrain)
	for {
		select {
		case record, ok := <-e.queue:
			if !ok {
				return
			}
			*batch = append(*batch, record)
			if len(*batch) >= e.cfg.BatchSize {
				e.flush(*batch)
				*batch = (*batch)[:0]
			}
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (e *Emitter) flush(batch []telemetry.Record) {
	payload, err := json.Marshal(batch)
	if err != nil {
		e.logger.Error("failed to marshal telemetry batch", "error", err, "size", len(batch))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backoff := retry.NewExponential(e.cfg.RetryBase)
	b := retry.WithMaxRetries(uint64(e.cfg.RetryMax), backoff)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		status, postErr := e.post(ctx, payload)
		if postErr != nil {
			return retry.RetryableError(postErr)
		}
		if status >= 400 && status < 500 {
			return fmt.Errorf("analytics rejected batch with status %d", status)
		}
		if status >= 500 {
			return retry.RetryableError(fmt.Errorf("analytics returned status %d", status))
		}
		return nil
	})
	if err != nil {
		n := e.dropped.Add(int64(len(batch)))
		e.logger.Warn("telemetry flush failed, batch dropped", "error", err, "batch_size", len(batch), "dropped_total", n)
	}
}

func (e *Emitter) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.AnalyticsURL+"/api/v1/telemetry/ingest/batch", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Close stops accepting the caller side conceptually (Emit still accepts,
// since the filter chain holds no reference to shutdown state) and drains
// the queue with one final flush, bounded by the configured shutdown window.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	select {
	case <-e.doneCh:
	case <-time.After(e.cfg.ShutdownDrain):
	}
}
