package state

import "sync"

// DirtySet tracks tenant keys with unflushed usage writes. It stores only
// keys; record values are read from memory at flush time, so a burst of
// usage updates between flushes collapses into one write per key.
// Thread-safe via mutex; drain uses map-swap for a stable snapshot.
type DirtySet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet() *DirtySet {
	return &DirtySet{m: make(map[string]struct{})}
}

// Mark records a key as dirty.
func (d *DirtySet) Mark(key string) {
	d.mu.Lock()
	d.m[key] = struct{}{}
	d.mu.Unlock()
}

// Drain atomically swaps the internal map with a fresh one and returns the
// old map as a stable snapshot. Concurrent marks after Drain go into the
// new map.
func (d *DirtySet) Drain() map[string]struct{} {
	d.mu.Lock()
	old := d.m
	d.m = make(map[string]struct{}, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge re-merges a previously drained snapshot back into the dirty set.
// Used for flush-failure recovery.
func (d *DirtySet) Merge(old map[string]struct{}) {
	d.mu.Lock()
	for k := range old {
		d.m[k] = struct{}{}
	}
	d.mu.Unlock()
}

// Len returns the current number of dirty entries.
func (d *DirtySet) Len() int {
	d.mu.Lock()
	n := len(d.m)
	d.mu.Unlock()
	return n
}
