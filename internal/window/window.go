// Package window implements a bucketed rolling token-usage window with an
// O(1) running total. Buckets are keyed by their own start instant so that
// restore can never collide two live buckets, and expiry is amortized onto
// reads: Add never scans, Total settles the window before answering.
package window

import (
	"sync"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

const (
	// DefaultWindowMs is the default rolling window length (5 hours).
	DefaultWindowMs int64 = 5 * 60 * 60 * 1000
	// DefaultBucketMs is the default bucket width (5 minutes).
	DefaultBucketMs int64 = 5 * 60 * 1000
)

// Window accumulates token counts in fixed-width buckets over a rolling
// interval. Thread-safe.
type Window struct {
	mu sync.Mutex

	windowMs int64
	bucketMs int64

	// bucket start (ms, aligned to bucketMs) -> tokens
	buckets       map[int64]int64
	runningTotal  int64
	lastUpdatedMs int64
}

// New creates an empty window. Non-positive dimensions fall back to the
// 5h/5m defaults.
func New(windowMs, bucketMs int64) *Window {
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	if bucketMs <= 0 {
		bucketMs = DefaultBucketMs
	}
	return &Window{
		windowMs: windowMs,
		bucketMs: bucketMs,
		buckets:  make(map[int64]int64),
	}
}

// Load rebuilds a window from its serialized state. Buckets are re-keyed by
// their own start instants; the running total is restored verbatim (the
// persisted window is trusted, expiry settles it on the next read).
func Load(state model.RollingWindowState) *Window {
	w := New(state.WindowDurationMs, state.BucketSizeMs)
	for _, b := range state.Buckets {
		w.buckets[alignBucket(b.StartMs, w.bucketMs)] += b.Tokens
	}
	w.runningTotal = state.RunningTotal
	w.lastUpdatedMs = state.LastUpdatedMs
	return w
}

func alignBucket(tMs, bucketMs int64) int64 {
	return (tMs / bucketMs) * bucketMs
}

// Add records n tokens at instant tMs. n must be positive; non-positive
// counts are ignored. O(1): expiry is deliberately not run here so that
// bursts of writes stay cheap.
func (w *Window) Add(tMs, n int64) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	start := alignBucket(tMs, w.bucketMs)
	w.buckets[start] += n
	w.runningTotal += n
	if tMs > w.lastUpdatedMs {
		w.lastUpdatedMs = tMs
	}
}

// Total expires stale buckets and returns the tokens consumed in the window
// ending at nowMs.
func (w *Window) Total(nowMs int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(nowMs)
	return w.runningTotal
}

// Stats returns the current usage together with the oldest live bucket start.
// ok is false when the window is empty after expiry.
func (w *Window) Stats(nowMs int64) (total, oldestStartMs int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked(nowMs)
	if len(w.buckets) == 0 {
		return w.runningTotal, 0, false
	}
	first := true
	for start := range w.buckets {
		if first || start < oldestStartMs {
			oldestStartMs = start
			first = false
		}
	}
	return w.runningTotal, oldestStartMs, true
}

// DurationMs returns the configured window length.
func (w *Window) DurationMs() int64 {
	return w.windowMs
}

// expireLocked removes every bucket whose start is at or before nowMs - W
// (inclusive policy), deducting each from the running total. The negative
// clamp never fires when invariants hold.
func (w *Window) expireLocked(nowMs int64) {
	cutoff := nowMs - w.windowMs
	for start, tokens := range w.buckets {
		if start <= cutoff {
			w.runningTotal -= tokens
			delete(w.buckets, start)
		}
	}
	if w.runningTotal < 0 {
		w.runningTotal = 0
	}
}

// Snapshot serializes the window. The snapshot is a stable copy; mutating
// the window afterwards does not affect it.
func (w *Window) Snapshot() model.RollingWindowState {
	w.mu.Lock()
	defer w.mu.Unlock()

	buckets := make([]model.WindowBucket, 0, len(w.buckets))
	for start, tokens := range w.buckets {
		buckets = append(buckets, model.WindowBucket{StartMs: start, Tokens: tokens})
	}
	return model.RollingWindowState{
		Buckets:          buckets,
		RunningTotal:     w.runningTotal,
		WindowDurationMs: w.windowMs,
		BucketSizeMs:     w.bucketMs,
		LastUpdatedMs:    w.lastUpdatedMs,
	}
}
