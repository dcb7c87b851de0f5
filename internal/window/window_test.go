package window

import (
	"testing"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

const (
	testWindowMs int64 = 18_000_000 // 5h
	testBucketMs int64 = 300_000    // 5m
)

func TestWindow_AggregationAndExpiry(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	// Bucket-aligned base: the first two writes land in one bucket that has
	// fully left the window by the final read.
	base := (int64(1_700_000_000_000) / testBucketMs) * testBucketMs

	w.Add(base, 100)
	w.Add(base+120_000, 50)

	if got := w.Total(base + 120_000); got != 150 {
		t.Fatalf("expected total 150, got %d", got)
	}

	w.Add(base+17_999_000, 25)
	if got := w.Total(base + 18_000_001); got != 25 {
		t.Fatalf("expected total 25 after first buckets expired, got %d", got)
	}
}

func TestWindow_SameBucketMerges(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	base := int64(1_700_000_000_000)
	aligned := (base / testBucketMs) * testBucketMs

	w.Add(aligned, 10)
	w.Add(aligned+1, 20)
	w.Add(aligned+testBucketMs-1, 30)

	snap := w.Snapshot()
	if len(snap.Buckets) != 1 {
		t.Fatalf("expected one live bucket, got %d", len(snap.Buckets))
	}
	if snap.Buckets[0].Tokens != 60 {
		t.Fatalf("expected merged bucket of 60 tokens, got %d", snap.Buckets[0].Tokens)
	}
	if snap.Buckets[0].StartMs != aligned {
		t.Fatalf("expected bucket start %d, got %d", aligned, snap.Buckets[0].StartMs)
	}
}

func TestWindow_InclusiveExpiryBoundary(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	start := (int64(1_700_000_000_000) / testBucketMs) * testBucketMs
	w.Add(start, 42)

	// A bucket whose start equals now - W is expired (inclusive policy).
	if got := w.Total(start + testWindowMs); got != 0 {
		t.Fatalf("expected 0 at inclusive boundary, got %d", got)
	}
}

func TestWindow_AddDoesNotExpire(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	base := int64(1_700_000_000_000)
	w.Add(base, 100)

	// Adds far in the future must not disturb the old bucket until a read.
	w.Add(base+2*testWindowMs, 5)
	snap := w.Snapshot()
	if len(snap.Buckets) != 2 {
		t.Fatalf("expected 2 live buckets before read, got %d", len(snap.Buckets))
	}
	if snap.RunningTotal != 105 {
		t.Fatalf("expected running total 105 before read, got %d", snap.RunningTotal)
	}

	if got := w.Total(base + 2*testWindowMs); got != 5 {
		t.Fatalf("expected 5 after read settles window, got %d", got)
	}
}

func TestWindow_SnapshotRoundtrip(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	base := int64(1_700_000_000_000)
	w.Add(base, 100)
	w.Add(base+600_000, 50)
	w.Add(base+1_200_000, 25)

	restored := Load(w.Snapshot())

	for _, at := range []int64{base + 1_200_000, base + testWindowMs - 1, base + testWindowMs + 600_000, base + 2*testWindowMs} {
		if a, b := w.Total(at), restored.Total(at); a != b {
			t.Fatalf("roundtrip mismatch at %d: original=%d restored=%d", at, a, b)
		}
	}
}

func TestWindow_LoadRekeysByBucketStart(t *testing.T) {
	// Two serialized buckets landing in the same aligned slot merge on load.
	state := model.RollingWindowState{
		Buckets: []model.WindowBucket{
			{StartMs: 600_000, Tokens: 10},
			{StartMs: 600_001, Tokens: 20},
		},
		RunningTotal:     30,
		WindowDurationMs: testWindowMs,
		BucketSizeMs:     testBucketMs,
	}
	w := Load(state)
	snap := w.Snapshot()
	if len(snap.Buckets) != 1 {
		t.Fatalf("expected merged bucket on load, got %d", len(snap.Buckets))
	}
	if got := w.Total(600_000); got != 30 {
		t.Fatalf("expected 30, got %d", got)
	}
}

func TestWindow_NegativeClamp(t *testing.T) {
	// A corrupt persisted total smaller than the bucket sum must clamp at
	// zero once the buckets expire rather than going negative.
	state := model.RollingWindowState{
		Buckets:          []model.WindowBucket{{StartMs: 0, Tokens: 100}},
		RunningTotal:     40,
		WindowDurationMs: testWindowMs,
		BucketSizeMs:     testBucketMs,
	}
	w := Load(state)
	if got := w.Total(testWindowMs + 1); got != 0 {
		t.Fatalf("expected clamped total 0, got %d", got)
	}
}

func TestWindow_Stats(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	base := (int64(1_700_000_000_000) / testBucketMs) * testBucketMs

	if _, _, ok := w.Stats(base); ok {
		t.Fatalf("expected no oldest bucket on empty window")
	}

	w.Add(base, 10)
	w.Add(base+testBucketMs, 5)

	total, oldest, ok := w.Stats(base + testBucketMs)
	if !ok {
		t.Fatalf("expected live buckets")
	}
	if total != 15 {
		t.Fatalf("expected total 15, got %d", total)
	}
	if oldest != base {
		t.Fatalf("expected oldest start %d, got %d", base, oldest)
	}
}

func TestWindow_RejectsNonPositiveAdd(t *testing.T) {
	w := New(testWindowMs, testBucketMs)
	w.Add(1_700_000_000_000, 0)
	w.Add(1_700_000_000_000, -5)
	if got := w.Total(1_700_000_000_000); got != 0 {
		t.Fatalf("expected 0 after non-positive adds, got %d", got)
	}
}
