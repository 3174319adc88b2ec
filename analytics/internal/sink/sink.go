// Package sink implements C2, the raw-event sink: a bounded queue drained by
// a fixed worker pool that batch-inserts telemetry records into the
// relational store, independent of C5's in-memory aggregation so dashboards
// keep working through a database outage.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

// closeJoinTimeout bounds how long Close waits for in-flight workers to
// finish their final flush, per the shutdown design's 10s join on the raw
// sink.
const closeJoinTimeout = 10 * time.Second

// ErrDuplicate is returned by a Store implementation when an insert is
// rejected for violating the requestId uniqueness constraint. The sink
// treats it as a silently-skipped duplicate rather than a storage failure.
var ErrDuplicate = errors.New("duplicate requestId")

// Config holds the sink's tunables.
type Config struct {
	QueueCapacity int
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
}

// Store is the narrow persistence interface the sink depends on; Postgres is
// the production implementation via pgxpool.
type Store interface {
	InsertBatch(ctx context.Context, records []telemetry.Record) error
	InsertOne(ctx context.Context, record telemetry.Record) error
}

// Sink is a bounded-queue, worker-pool fan-out into Store.
type Sink struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	pool   *ants.Pool

	queue  chan telemetry.Record
	stopCh chan struct{}
	wg     sync.WaitGroup

	dropped    atomic.Int64
	duplicates atomic.Int64
}

// New constructs a Sink and starts its worker pool. Each worker independently
// pulls from the shared queue and accumulates its own local batch.
func New(cfg Config, store Store, logger *slog.Logger) (*Sink, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1_000_000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	s := &Sink{
		cfg:    cfg,
		store:  store,
		logger: logger,
		queue:  make(chan telemetry.Record, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		if err := pool.Submit(s.workerLoop); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Enqueue offers a record into the bounded queue; on a full queue it
// increments the dropped counter and returns immediately.
func (s *Sink) Enqueue(record telemetry.Record) {
	select {
	case s.queue <- record:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the count of records dropped for a full queue.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// QueueDepth returns the number of records currently buffered in the queue,
// reported by the debug endpoint.
func (s *Sink) QueueDepth() int { return len(s.queue) }

// Duplicates returns the count of records skipped on a uniqueness conflict.
func (s *Sink) Duplicates() int64 { return s.duplicates.Load() }

func (s *Sink) workerLoop() {
	defer s.wg.Done()
	batch := make([]telemetry.Record, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	lastFlush := time.Now()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
		lastFlush = time.Now()
	}

	for {
		select {
		case record, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && time.Since(lastFlush) >= s.cfg.FlushInterval {
				flush()
			}
		case <-s.stopCh:
			flush()
			return
		}
	}
}

// writeBatch attempts one batched insert per flush; on a uniqueness
// conflict it falls back to per-record inserts, silently skipping
// duplicates, and on total storage unavailability it drops the batch
// without re-queuing.
func (s *Sink) writeBatch(batch []telemetry.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.store.InsertBatch(ctx, batch)
	if err == nil {
		return
	}
	if errors.Is(err, ErrDuplicate) {
		s.insertIndividually(ctx, batch)
		return
	}
	s.logger.Error("raw-event batch insert failed, dropping batch", "error", err, "batch_size", len(batch))
}

func (s *Sink) insertIndividually(ctx context.Context, batch []telemetry.Record) {
	for _, record := range batch {
		if err := s.store.InsertOne(ctx, record); err != nil {
			if errors.Is(err, ErrDuplicate) {
				s.duplicates.Add(1)
				continue
			}
			s.logger.Error("raw-event insert failed, record dropped", "error", err, "request_id", record.RequestID)
		}
	}
}

// Close stops accepting batches from the queue and waits, bounded by
// closeJoinTimeout, for every worker to finish its final flush before
// releasing the pool.
func (s *Sink) Close() {
	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeJoinTimeout):
		s.logger.Warn("raw sink workers did not finish within shutdown timeout")
	}
	s.pool.Release()
}
