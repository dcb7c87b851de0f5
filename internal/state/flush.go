package state

import (
	"log"
	"sync"
	"time"
)

// UsageFlushWorker periodically flushes dirty usage state to the backend.
// It triggers a flush when:
//   - DirtyCount() >= threshold, OR
//   - time.Since(lastFlush) >= interval (and dirty count > 0)
//
// The interval is the upper bound on usage staleness across processes; it
// must stay at or below one second. On Stop(), a final flush runs before
// returning.
type UsageFlushWorker struct {
	store     *TenantStore
	threshold int
	interval  time.Duration
	checkTick time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewUsageFlushWorker creates a flush worker. checkTick controls how often
// flush conditions are evaluated and defaults to interval/2.
func NewUsageFlushWorker(store *TenantStore, threshold int, interval time.Duration) *UsageFlushWorker {
	if threshold <= 0 {
		threshold = 256
	}
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	checkTick := interval / 2
	if checkTick <= 0 {
		checkTick = 100 * time.Millisecond
	}
	return &UsageFlushWorker{
		store:     store,
		threshold: threshold,
		interval:  interval,
		checkTick: checkTick,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *UsageFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and performs a final flush. Blocks until
// the goroutine exits.
func (w *UsageFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *UsageFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			w.doFlush()
			return
		case <-ticker.C:
			dirty := w.store.DirtyCount()
			if dirty == 0 {
				continue
			}
			if dirty >= w.threshold || time.Since(lastFlush) >= w.interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *UsageFlushWorker) doFlush() {
	if err := w.store.FlushUsage(); err != nil {
		log.Printf("[state] usage flush error (keys re-merged): %v", err)
	}
}
