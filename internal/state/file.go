package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

// fileDocument is the on-disk shape: one JSON document holding every record.
type fileDocument struct {
	Keys []model.TenantRecord `json:"keys"`
}

// FileBackend persists tenant records as a single JSON document. Writes go
// to a temp file in the same directory followed by an atomic rename; a lock
// directory next to the data file keeps a second writer in the same process
// group out.
type FileBackend struct {
	mu       sync.Mutex
	path     string
	lockPath string
	// records mirrors the document so per-key Upsert/Delete rewrite without
	// re-reading the file.
	records map[string]model.TenantRecord
}

// OpenFile opens (or creates) the data file at path and acquires its lock
// directory. Returns ErrLocked when another writer holds the lock.
func OpenFile(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lockPath := path + ".lock"
	if err := os.Mkdir(lockPath, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}

	b := &FileBackend{
		path:     path,
		lockPath: lockPath,
		records:  make(map[string]model.TenantRecord),
	}
	if err := b.load(); err != nil {
		b.releaseLock()
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh file
		}
		return fmt.Errorf("read %s: %w", b.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", b.path, err)
	}
	for _, rec := range doc.Keys {
		b.records[rec.Key] = rec
	}
	return nil
}

// writeLocked serializes the full document and renames it into place.
func (b *FileBackend) writeLocked() error {
	doc := fileDocument{Keys: make([]model.TenantRecord, 0, len(b.records))}
	for _, rec := range b.records {
		doc.Keys = append(doc.Keys, rec)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// LoadAll implements Backend.
func (b *FileBackend) LoadAll() ([]model.TenantRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]model.TenantRecord, 0, len(b.records))
	for _, rec := range b.records {
		result = append(result, rec.Clone())
	}
	return result, nil
}

// Upsert implements Backend.
func (b *FileBackend) Upsert(rec model.TenantRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.records[rec.Key]
	b.records[rec.Key] = rec.Clone()
	if err := b.writeLocked(); err != nil {
		// Writes that cannot be persisted are not accepted.
		if had {
			b.records[rec.Key] = prev
		} else {
			delete(b.records, rec.Key)
		}
		return err
	}
	return nil
}

// BulkUpsert implements Backend: one rewrite covers the whole batch.
func (b *FileBackend) BulkUpsert(recs []model.TenantRecord) error {
	if len(recs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range recs {
		b.records[rec.Key] = rec.Clone()
	}
	return b.writeLocked()
}

// Delete implements Backend.
func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.records[key]
	if !had {
		return nil
	}
	delete(b.records, key)
	if err := b.writeLocked(); err != nil {
		b.records[key] = prev
		return err
	}
	return nil
}

// Ping implements Backend: verifies the data directory is writable.
func (b *FileBackend) Ping() error {
	probe, err := os.CreateTemp(filepath.Dir(b.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (b *FileBackend) releaseLock() {
	_ = os.Remove(b.lockPath)
}

// Close implements Backend: releases the lock directory.
func (b *FileBackend) Close() error {
	b.releaseLock()
	return nil
}
