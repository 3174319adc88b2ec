package digest

import (
	"math"
	"testing"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

func TestDigestQuantileApproximatesUniform(t *testing.T) {
	d := New(100)
	for i := 1; i <= 1000; i++ {
		d.Add(float64(i))
	}
	p50, ok := d.Quantile(0.5)
	if !ok {
		t.Fatal("expected quantile to be available after observations")
	}
	if math.Abs(p50-500) > 50 {
		t.Errorf("expected p50 near 500, got %v", p50)
	}
	p99, ok := d.Quantile(0.99)
	if !ok || p99 < 900 {
		t.Errorf("expected p99 near the top of the distribution, got %v", p99)
	}
}

func TestDigestEmptyHasNoQuantile(t *testing.T) {
	d := New(100)
	if _, ok := d.Quantile(0.5); ok {
		t.Error("expected no quantile from an empty digest")
	}
}

func TestRegistryCreatesOnFirstAdd(t *testing.T) {
	r := NewRegistry(8, 100)
	k := telemetry.Key{Path: "/api/users", Method: "GET"}
	if _, ok := r.Get(k); ok {
		t.Fatal("expected no digest before the first Add")
	}
	r.Add(k, 42)
	d, ok := r.Get(k)
	if !ok {
		t.Fatal("expected digest to exist after Add")
	}
	if d.Count() != 1 {
		t.Errorf("expected count 1, got %d", d.Count())
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry(8, 100)
	k := telemetry.Key{Path: "/api/users", Method: "GET"}
	r.Add(k, 1)
	r.Drop(k)
	if _, ok := r.Get(k); ok {
		t.Error("expected digest to be gone after Drop")
	}
}
