package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/telemetrygw/pkg/logger"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

func TestEmitterFlushesBatchOnSizeTrigger(t *testing.T) {
	var mu sync.Mutex
	var received [][]telemetry.Record

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []telemetry.Record
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &batch)
		mu.Lock()
		received = append(received, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	log := logger.New("gateway-test", -10)
	e := New(Config{
		QueueCapacity: 100,
		BatchSize:     5,
		FlushInterval: time.Hour,
		AnalyticsURL:  srv.URL,
		ShutdownDrain: time.Second,
	}, log)
	defer e.Close()

	for i := 0; i < 5; i++ {
		e.Emit(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("expected at least one flushed batch")
	}
	if len(received[0]) != 5 {
		t.Errorf("expected batch size 5 at size trigger, got %d", len(received[0]))
	}
}

func TestEmitterDropsOnFullQueue(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	log := logger.New("gateway-test", -10)
	e := New(Config{
		QueueCapacity: 2,
		BatchSize:     1000,
		FlushInterval: time.Hour,
		AnalyticsURL:  srv.URL,
		ShutdownDrain: 100 * time.Millisecond,
	}, log)

	for i := 0; i < 10; i++ {
		e.Emit(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
	}

	if e.Dropped() == 0 {
		t.Error("expected some records to be dropped once queue capacity is exceeded")
	}
	close(blocked)
	e.Close()
}

func TestEmitterNeverBlocksCaller(t *testing.T) {
	log := logger.New("gateway-test", -10)
	e := New(Config{
		QueueCapacity: 1,
		BatchSize:     1000,
		FlushInterval: time.Hour,
		AnalyticsURL:  "http://127.0.0.1:1",
		ShutdownDrain: 50 * time.Millisecond,
	}, log)
	defer e.Close()

	var calls atomic.Int64
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Emit(telemetry.Record{RequestID: "r", Path: "/x", Method: "GET"})
			calls.Add(1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit appears to block the caller")
	}
	if calls.Load() != 1000 {
		t.Errorf("expected 1000 calls to complete, got %d", calls.Load())
	}
}
