package digest

import (
	"hash/fnv"
	"sync"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Registry maps an aggregation key to its Digest. It is sharded into stripes
// by key hash so updates to unrelated keys never contend on the same lock,
// per the design note about scaling contention with core count instead of a
// single global reader-writer lock.
type Registry struct {
	stripes     []*stripe
	compression int
}

type stripe struct {
	mu      sync.RWMutex
	digests map[telemetry.Key]*Digest
}

// NewRegistry builds a Registry with the given number of stripes and the
// per-digest compression factor.
func NewRegistry(stripeCount, compression int) *Registry {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	r := &Registry{stripes: make([]*stripe, stripeCount), compression: compression}
	for i := range r.stripes {
		r.stripes[i] = &stripe{digests: make(map[telemetry.Key]*Digest)}
	}
	return r
}

func (r *Registry) stripeFor(k telemetry.Key) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Path))
	return r.stripes[h.Sum32()%uint32(len(r.stripes))]
}

// Add records a latency observation for key k, creating its digest on first
// observation. Creation is serialized by the owning stripe's lock; the add
// itself runs after that lock is released and is serialized by the digest's
// own lock.
func (r *Registry) Add(k telemetry.Key, latencyMs float64) {
	s := r.stripeFor(k)
	s.mu.Lock()
	d, ok := s.digests[k]
	if !ok {
		d = New(r.compression)
		s.digests[k] = d
	}
	s.mu.Unlock()
	d.Add(latencyMs)
}

// Get returns the digest for k if one exists. Reads only take the stripe's
// lock long enough to look up the map entry.
func (r *Registry) Get(k telemetry.Key) (*Digest, bool) {
	s := r.stripeFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.digests[k]
	return d, ok
}

// Drop removes the digest for k, called once the event buffer for k empties.
func (r *Registry) Drop(k telemetry.Key) {
	s := r.stripeFor(k)
	s.mu.Lock()
	delete(s.digests, k)
	s.mu.Unlock()
}
