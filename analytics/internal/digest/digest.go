// Package digest implements C4, the percentile digest registry: one
// streaming quantile estimator per aggregation key, bounded in memory by a
// compression factor. No library in the retrieval pack offers a streaming
// quantile structure, so this is a hand-rolled, centroid-merging digest in
// the spirit of t-digest: bounded relative error for quantiles in the
// [0.5, 0.99] range on skewed latency distributions.
package digest

import (
	"sort"
	"sync"
)

type centroid struct {
	mean   float64
	weight float64
}

// Digest is a memory-bounded quantile estimator. Its own reader-writer lock
// serializes Add calls and lets Quantile and Count run concurrently with
// each other and with Add.
type Digest struct {
	mu          sync.RWMutex
	compression int
	centroids   []centroid
	totalWeight float64
}

// New returns a Digest bounded to approximately 2*compression centroids
// before compaction.
func New(compression int) *Digest {
	if compression <= 0 {
		compression = 100
	}
	return &Digest{compression: compression}
}

// Add records one observation.
func (d *Digest) Add(value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insert(value)
	d.totalWeight++
	if len(d.centroids) > d.compression*2 {
		d.compress()
	}
}

func (d *Digest) insert(value float64) {
	idx := sort.Search(len(d.centroids), func(i int) bool { return d.centroids[i].mean >= value })
	d.centroids = append(d.centroids, centroid{})
	copy(d.centroids[idx+1:], d.centroids[idx:])
	d.centroids[idx] = centroid{mean: value, weight: 1}
}

// compress merges adjacent centroid pairs with the smallest mean distance
// until the centroid count is back within the compression budget.
func (d *Digest) compress() {
	for len(d.centroids) > d.compression {
		bestIdx := -1
		bestGap := -1.0
		for i := 0; i < len(d.centroids)-1; i++ {
			gap := d.centroids[i+1].mean - d.centroids[i].mean
			if bestIdx == -1 || gap < bestGap {
				bestIdx = i
				bestGap = gap
			}
		}
		a, b := d.centroids[bestIdx], d.centroids[bestIdx+1]
		merged := centroid{
			weight: a.weight + b.weight,
			mean:   (a.mean*a.weight + b.mean*b.weight) / (a.weight + b.weight),
		}
		d.centroids[bestIdx] = merged
		d.centroids = append(d.centroids[:bestIdx+1], d.centroids[bestIdx+2:]...)
	}
}

// Quantile returns an estimate of the value at quantile q in [0, 1], or
// (0, false) when the digest has no observations.
func (d *Digest) Quantile(q float64) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.centroids) == 0 || d.totalWeight == 0 {
		return 0, false
	}
	if len(d.centroids) == 1 {
		return d.centroids[0].mean, true
	}
	target := q * d.totalWeight
	var cumulative float64
	for i, c := range d.centroids {
		cumulative += c.weight
		if cumulative >= target || i == len(d.centroids)-1 {
			return c.mean, true
		}
	}
	return d.centroids[len(d.centroids)-1].mean, true
}

// Count returns the number of observations recorded.
func (d *Digest) Count() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(d.totalWeight)
}
