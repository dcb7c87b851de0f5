// Package state implements the tenant persistence layer: storage backends
// (SQLite, file-backed JSON), the in-memory tenant store with per-key write
// serialization, dirty-set usage batching, and primary/fallback failover.
package state

import "github.com/tollgate-proxy/tollgate/internal/model"

// Backend is the narrow storage contract every persistence option
// implements. The TenantStore depends only on this interface.
//
// Upsert and Delete must be durable before returning: the hot-reload
// guarantee across processes rests on write-through for administrative
// mutations. BulkUpsert carries batched usage flushes and shares the same
// durability requirement per call.
type Backend interface {
	// Name identifies the backend in logs ("sqlite", "file").
	Name() string
	// LoadAll reads every persisted tenant record.
	LoadAll() ([]model.TenantRecord, error)
	// Upsert writes one record durably.
	Upsert(rec model.TenantRecord) error
	// BulkUpsert writes a batch of records in one transaction where the
	// backend supports transactions.
	BulkUpsert(recs []model.TenantRecord) error
	// Delete removes a record. Deleting an absent key is not an error.
	Delete(key string) error
	// Ping reports backend health.
	Ping() error
	// Close releases backend resources.
	Close() error
}
