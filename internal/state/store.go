package state

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tollgate-proxy/tollgate/internal/model"
	"github.com/tollgate-proxy/tollgate/internal/window"
)

// EventSink receives tenant lifecycle notifications. Events are emitted
// under the store's write serialization, so per-key event order matches
// write order. Implemented by the broadcaster; a no-op sink is the default.
type EventSink interface {
	TenantCreated(rec model.TenantRecord)
	TenantUpdated(rec model.TenantRecord)
	TenantDeleted(rec model.TenantRecord)
	UsageRecorded(rec model.TenantRecord, tokens int64)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) TenantCreated(model.TenantRecord)        {}
func (NoopSink) TenantUpdated(model.TenantRecord)        {}
func (NoopSink) TenantDeleted(model.TenantRecord)        {}
func (NoopSink) UsageRecorded(model.TenantRecord, int64) {}

// Tenant is the live in-memory form of one record: the scalar fields plus
// the running window. Its mutex is the per-key write lock; the rolling
// window is mutated only while holding it.
type Tenant struct {
	mu  sync.Mutex
	rec model.TenantRecord // Window field left empty; win is authoritative
	win *window.Window
}

// Snapshot returns a consistent copy of the record with the window
// serialized into it.
func (t *Tenant) Snapshot() model.TenantRecord {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	rec.Window = t.win.Snapshot()
	return rec
}

// Limits returns the scalar fields without serializing the window. Cheap;
// used on the request hot path.
func (t *Tenant) Limits() model.TenantRecord {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	return rec
}

// Window returns the live rolling window.
func (t *Tenant) Window() *window.Window {
	return t.win
}

// StoreConfig configures a TenantStore.
type StoreConfig struct {
	Backend  Backend
	Events   EventSink
	WindowMs int64
	BucketMs int64
}

// TenantStore is the authoritative tenant mapping. Reads hit the in-memory
// map; administrative writes go through to the backend before they commit
// in memory (hot-reload guarantee), while usage writes are dirty-marked and
// batch-flushed with in-memory state leading the disk.
type TenantStore struct {
	backend Backend
	tenants *xsync.Map[string, *Tenant]
	dirty   *DirtySet
	sink    EventSink

	// adminMu serializes create/update/delete; usage recording only takes
	// the per-tenant lock.
	adminMu sync.Mutex

	windowMs int64
	bucketMs int64
}

// NewTenantStore loads all persisted records into memory and returns a
// ready store.
func NewTenantStore(cfg StoreConfig) (*TenantStore, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("state: backend is required")
	}
	sink := cfg.Events
	if sink == nil {
		sink = NoopSink{}
	}
	s := &TenantStore{
		backend:  cfg.Backend,
		tenants:  xsync.NewMap[string, *Tenant](),
		dirty:    NewDirtySet(),
		sink:     sink,
		windowMs: cfg.WindowMs,
		bucketMs: cfg.BucketMs,
	}

	recs, err := cfg.Backend.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("state: load tenants: %w", err)
	}
	for _, rec := range recs {
		s.tenants.Store(rec.Key, s.newTenant(rec))
	}

	if fo, ok := cfg.Backend.(*FailoverBackend); ok {
		fo.SetResync(s.ResyncInto)
	}
	return s, nil
}

func (s *TenantStore) newTenant(rec model.TenantRecord) *Tenant {
	st := rec.Window
	if st.WindowDurationMs == 0 {
		st.WindowDurationMs = s.windowMs
	}
	if st.BucketSizeMs == 0 {
		st.BucketSizeMs = s.bucketMs
	}
	win := window.Load(st)
	rec.Window = model.RollingWindowState{}
	return &Tenant{rec: rec, win: win}
}

// Lookup returns the live tenant for a key.
func (s *TenantStore) Lookup(key string) (*Tenant, bool) {
	return s.tenants.Load(key)
}

// Create persists and registers a new tenant. Fails with ErrConflict when
// the key already exists.
func (s *TenantStore) Create(rec model.TenantRecord) (model.TenantRecord, error) {
	if rec.Key == "" {
		return model.TenantRecord{}, fmt.Errorf("state: empty tenant key")
	}
	if rec.TokenLimitPer5h <= 0 {
		return model.TenantRecord{}, fmt.Errorf("state: token limit must be positive")
	}

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if _, exists := s.tenants.Load(rec.Key); exists {
		return model.TenantRecord{}, ErrConflict
	}
	// Durable before visible: write-through, then commit to memory.
	if err := s.backend.Upsert(rec); err != nil {
		return model.TenantRecord{}, fmt.Errorf("state: persist create: %w", err)
	}
	t := s.newTenant(rec)
	s.tenants.Store(rec.Key, t)

	snap := t.Snapshot()
	s.sink.TenantCreated(snap)
	return snap, nil
}

// Update applies a patch to an existing tenant. Fails with ErrNotFound.
func (s *TenantStore) Update(key string, patch model.TenantPatch) (model.TenantRecord, error) {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	t, ok := s.tenants.Load(key)
	if !ok {
		return model.TenantRecord{}, ErrNotFound
	}

	t.mu.Lock()
	updated := t.rec
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Model != nil {
		updated.Model = *patch.Model
	}
	if patch.TokenLimitPer5h != nil {
		updated.TokenLimitPer5h = *patch.TokenLimitPer5h
	}
	if patch.ExpiryDateMs != nil {
		updated.ExpiryDateMs = *patch.ExpiryDateMs
	}
	t.mu.Unlock()

	persisted := updated
	persisted.Window = t.win.Snapshot()
	if err := s.backend.Upsert(persisted); err != nil {
		return model.TenantRecord{}, fmt.Errorf("state: persist update: %w", err)
	}

	t.mu.Lock()
	t.rec = updated
	t.mu.Unlock()

	s.sink.TenantUpdated(persisted)
	return persisted, nil
}

// Delete removes a tenant. Fails with ErrNotFound when absent.
func (s *TenantStore) Delete(key string) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	t, ok := s.tenants.Load(key)
	if !ok {
		return ErrNotFound
	}
	snap := t.Snapshot()
	if err := s.backend.Delete(key); err != nil {
		return fmt.Errorf("state: persist delete: %w", err)
	}
	s.tenants.Delete(key)
	s.sink.TenantDeleted(snap)
	return nil
}

// RecordUsage charges tokens against a tenant's rolling window and lifetime
// counter under the per-key lock, then marks the key dirty for the next
// batched flush. modelAtUse is carried into the usage event.
func (s *TenantStore) RecordUsage(key string, tokens int64, modelAtUse string, nowMs int64) error {
	if tokens <= 0 {
		return fmt.Errorf("state: usage tokens must be positive")
	}
	t, ok := s.tenants.Load(key)
	if !ok {
		return ErrNotFound
	}

	t.mu.Lock()
	t.win.Add(nowMs, tokens)
	t.rec.LifetimeTokens += tokens
	t.rec.LastUsedMs = nowMs
	t.mu.Unlock()

	s.dirty.Mark(key)
	snap := t.Snapshot()
	if modelAtUse != "" {
		snap.Model = modelAtUse
	}
	s.sink.UsageRecorded(snap, tokens)
	return nil
}

// Iterate returns a snapshot-consistent copy of every record.
func (s *TenantStore) Iterate() []model.TenantRecord {
	result := make([]model.TenantRecord, 0, s.tenants.Size())
	s.tenants.Range(func(_ string, t *Tenant) bool {
		result = append(result, t.Snapshot())
		return true
	})
	return result
}

// Size returns the number of registered tenants.
func (s *TenantStore) Size() int {
	return s.tenants.Size()
}

// DirtyCount returns the number of keys with unflushed usage.
func (s *TenantStore) DirtyCount() int {
	return s.dirty.Len()
}

// FlushUsage drains the dirty set and bulk-writes current snapshots to the
// backend. On failure, drained keys are merged back for retry.
func (s *TenantStore) FlushUsage() error {
	drained := s.dirty.Drain()
	if len(drained) == 0 {
		return nil
	}

	recs := make([]model.TenantRecord, 0, len(drained))
	for key := range drained {
		if t, ok := s.tenants.Load(key); ok {
			recs = append(recs, t.Snapshot())
		}
		// Missing keys were deleted write-through; nothing to flush.
	}

	if err := s.backend.BulkUpsert(recs); err != nil {
		s.dirty.Merge(drained)
		return fmt.Errorf("state: flush usage: %w", err)
	}
	return nil
}

// ResyncInto replays the full in-memory snapshot into a backend. Used when
// failover switches back to a recovered primary.
func (s *TenantStore) ResyncInto(b Backend) error {
	return b.BulkUpsert(s.Iterate())
}

// SweepExpiredWindows settles every tenant's rolling window at nowMs and
// dirty-marks tenants whose usage changed, bounding stale bucket memory for
// idle tenants. Returns the number of tenants touched.
func (s *TenantStore) SweepExpiredWindows(nowMs int64) int {
	touched := 0
	s.tenants.Range(func(key string, t *Tenant) bool {
		before := t.win.Snapshot().RunningTotal
		if t.win.Total(nowMs) != before {
			s.dirty.Mark(key)
			touched++
		}
		return true
	})
	return touched
}
