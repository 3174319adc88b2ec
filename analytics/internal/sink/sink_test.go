package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]telemetry.Record
	singles  []telemetry.Record
	failNext error
}

func (f *fakeStore) InsertBatch(ctx context.Context, records []telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeStore) InsertOne(ctx context.Context, record telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, record)
	return nil
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSinkFlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	s, err := New(Config{QueueCapacity: 100, Workers: 1, BatchSize: 5, FlushInterval: time.Hour}, store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Enqueue(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && store.batchCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if store.batchCount() == 0 {
		t.Fatal("expected a flushed batch once the batch size trigger is hit")
	}
}

func TestSinkFallsBackToIndividualInsertsOnConflict(t *testing.T) {
	store := &fakeStore{failNext: ErrDuplicate}
	s, err := New(Config{QueueCapacity: 100, Workers: 1, BatchSize: 3, FlushInterval: time.Hour}, store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Enqueue(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.singles)
		store.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.singles) != 3 {
		t.Errorf("expected fallback to 3 individual inserts, got %d", len(store.singles))
	}
}

func TestSinkDropsBatchOnStorageUnavailable(t *testing.T) {
	store := &fakeStore{failNext: errors.New("connection refused")}
	s, err := New(Config{QueueCapacity: 100, Workers: 1, BatchSize: 2, FlushInterval: time.Hour}, store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Enqueue(telemetry.Record{RequestID: "r1", Path: "/x", Method: "GET"})
	s.Enqueue(telemetry.Record{RequestID: "r2", Path: "/x", Method: "GET"})

	time.Sleep(100 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.singles) != 0 || len(store.batches) != 0 {
		t.Error("expected the batch to be dropped, not retried, on a non-conflict storage error")
	}
}

func TestSinkDropsOnFullQueue(t *testing.T) {
	store := &fakeStore{}
	s, err := New(Config{QueueCapacity: 1, Workers: 0, BatchSize: 1000, FlushInterval: time.Hour}, store, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Enqueue(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
	}
	if s.Dropped() == 0 {
		t.Error("expected drops once queue capacity is exceeded")
	}
}
