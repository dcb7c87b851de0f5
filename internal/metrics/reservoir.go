// Package metrics provides small in-process measurement primitives shared
// by the pool, pipeline, and cache components.
package metrics

import (
	"sort"
	"sync"
)

const defaultReservoirSize = 1024

// Reservoir keeps the most recent N observations (milliseconds) in a ring
// buffer and serves percentile snapshots over them.
type Reservoir struct {
	mu    sync.Mutex
	buf   []int64
	next  int
	count int
	sum   int64
	total int64
}

// NewReservoir creates a reservoir holding up to size recent observations.
// size <= 0 picks the default.
func NewReservoir(size int) *Reservoir {
	if size <= 0 {
		size = defaultReservoirSize
	}
	return &Reservoir{buf: make([]int64, size)}
}

// Observe records one value.
func (r *Reservoir) Observe(v int64) {
	r.mu.Lock()
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.sum -= r.buf[r.next]
	}
	r.buf[r.next] = v
	r.sum += v
	r.next = (r.next + 1) % len(r.buf)
	r.total++
	r.mu.Unlock()
}

// Count returns the lifetime number of observations.
func (r *Reservoir) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Mean returns the mean over the retained observations, 0 when empty.
func (r *Reservoir) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	return float64(r.sum) / float64(r.count)
}

// Percentiles returns the given percentiles (0-100) over the retained
// observations. Zeros when empty.
func (r *Reservoir) Percentiles(ps ...float64) []int64 {
	r.mu.Lock()
	sample := make([]int64, r.count)
	copy(sample, r.buf[:r.count])
	r.mu.Unlock()

	out := make([]int64, len(ps))
	if len(sample) == 0 {
		return out
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	for i, p := range ps {
		idx := int(float64(len(sample)-1) * p / 100.0)
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sample) {
			idx = len(sample) - 1
		}
		out[i] = sample[idx]
	}
	return out
}

// Summary is the common p50/p95/p99 snapshot shape.
type Summary struct {
	P50 int64 `json:"p50_ms"`
	P95 int64 `json:"p95_ms"`
	P99 int64 `json:"p99_ms"`
}

// Snapshot returns the standard summary over the retained observations.
func (r *Reservoir) Snapshot() Summary {
	ps := r.Percentiles(50, 95, 99)
	return Summary{P50: ps[0], P95: ps[1], P99: ps[2]}
}
