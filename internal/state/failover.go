package state

import (
	"log"
	"sync"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

// FailoverBackend runs a preferred primary backend with a file-backed
// fallback. When the primary is unavailable at start (or fails a health
// probe), writes continue against the fallback; a background loop retries
// the primary and switches back once it is healthy again, resyncing the
// authoritative in-memory state into it first.
type FailoverBackend struct {
	mu        sync.Mutex
	primary   Backend
	fallback  Backend
	active    Backend
	onPrimary bool

	// resync replays the current in-memory snapshot into a backend before
	// it becomes active. Installed by the TenantStore.
	resync func(Backend) error

	retryInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewFailover wires a primary and fallback backend. primary may be nil when
// it failed to open; the failover then starts on the fallback and keeps
// trying to reopen the primary via reopenPrimary.
func NewFailover(primary, fallback Backend, retryInterval time.Duration) *FailoverBackend {
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	f := &FailoverBackend{
		primary:       primary,
		fallback:      fallback,
		retryInterval: retryInterval,
		stopCh:        make(chan struct{}),
	}
	if primary != nil && primary.Ping() == nil {
		f.active = primary
		f.onPrimary = true
	} else {
		f.active = fallback
		if primary != nil {
			log.Printf("[state] storage_switch: primary %s unavailable, running on %s", primary.Name(), fallback.Name())
		}
	}
	return f
}

// SetResync installs the snapshot-replay hook used when switching backends.
func (f *FailoverBackend) SetResync(fn func(Backend) error) {
	f.mu.Lock()
	f.resync = fn
	f.mu.Unlock()
}

// Start launches the primary retry loop. No-op when already on the primary
// or when no primary is configured.
func (f *FailoverBackend) Start() {
	f.mu.Lock()
	needsLoop := f.primary != nil && !f.onPrimary
	f.mu.Unlock()
	if !needsLoop {
		return
	}
	f.wg.Add(1)
	go f.retryLoop()
}

// Stop terminates the retry loop.
func (f *FailoverBackend) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *FailoverBackend) retryLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if f.tryRestorePrimary() {
				return
			}
		}
	}
}

func (f *FailoverBackend) tryRestorePrimary() bool {
	f.mu.Lock()
	primary := f.primary
	resync := f.resync
	f.mu.Unlock()

	if primary == nil || primary.Ping() != nil {
		return false
	}
	if resync != nil {
		if err := resync(primary); err != nil {
			log.Printf("[state] storage_switch: resync to %s failed: %v", primary.Name(), err)
			return false
		}
	}

	f.mu.Lock()
	f.active = primary
	f.onPrimary = true
	f.mu.Unlock()
	log.Printf("[state] storage_switch: primary %s healthy again, switched back", primary.Name())
	return true
}

// Active returns the currently active backend.
func (f *FailoverBackend) Active() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// OnPrimary reports whether writes currently go to the primary.
func (f *FailoverBackend) OnPrimary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onPrimary
}

// Name implements Backend.
func (f *FailoverBackend) Name() string { return f.Active().Name() }

// LoadAll implements Backend.
func (f *FailoverBackend) LoadAll() ([]model.TenantRecord, error) { return f.Active().LoadAll() }

// Upsert implements Backend.
func (f *FailoverBackend) Upsert(rec model.TenantRecord) error { return f.Active().Upsert(rec) }

// BulkUpsert implements Backend.
func (f *FailoverBackend) BulkUpsert(recs []model.TenantRecord) error {
	return f.Active().BulkUpsert(recs)
}

// Delete implements Backend.
func (f *FailoverBackend) Delete(key string) error { return f.Active().Delete(key) }

// Ping implements Backend.
func (f *FailoverBackend) Ping() error { return f.Active().Ping() }

// Close implements Backend: stops the retry loop and closes both backends.
func (f *FailoverBackend) Close() error {
	f.Stop()
	f.mu.Lock()
	primary, fallback := f.primary, f.fallback
	f.mu.Unlock()

	var firstErr error
	if primary != nil {
		if err := primary.Close(); err != nil {
			firstErr = err
		}
	}
	if fallback != nil && fallback != primary {
		if err := fallback.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
