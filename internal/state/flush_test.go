package state

import (
	"testing"
	"time"
)

func TestUsageFlushWorker_FlushesOnInterval(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, backend, nil)
	if _, err := s.Create(testRecord("tg-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordUsage("tg-1", 50, "glm-4.7", 1_700_000_000_000); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	w := NewUsageFlushWorker(s, 1000, 50*time.Millisecond)
	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.DirtyCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never flushed within interval bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	persisted, _ := backend.get("tg-1")
	if persisted.LifetimeTokens != 50 {
		t.Fatalf("interval flush did not persist usage: %+v", persisted)
	}
}

func TestUsageFlushWorker_FinalFlushOnStop(t *testing.T) {
	backend := newMemBackend()
	s := newTestStore(t, backend, nil)
	if _, err := s.Create(testRecord("tg-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Long interval so only the stop path can flush.
	w := NewUsageFlushWorker(s, 1000, time.Second)
	w.Start()

	if err := s.RecordUsage("tg-1", 7, "glm-4.7", 1_700_000_000_000); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	w.Stop()

	if s.DirtyCount() != 0 {
		t.Fatalf("stop did not run a final flush")
	}
	persisted, _ := backend.get("tg-1")
	if persisted.LifetimeTokens != 7 {
		t.Fatalf("final flush did not persist usage: %+v", persisted)
	}
}

func TestUsageFlushWorker_ClampsInterval(t *testing.T) {
	s := newTestStore(t, newMemBackend(), nil)

	w := NewUsageFlushWorker(s, 0, 10*time.Second)
	if w.interval > time.Second {
		t.Fatalf("interval must be clamped to one second, got %v", w.interval)
	}
	if w.threshold <= 0 {
		t.Fatalf("threshold default not applied")
	}
}
