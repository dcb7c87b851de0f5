// Package model defines domain structs shared across the persistence layer.
package model

// TenantRecord is the durable record for one API key.
type TenantRecord struct {
	Key             string             `json:"key"`
	Name            string             `json:"name"`
	Model           string             `json:"model"`
	TokenLimitPer5h int64              `json:"token_limit_per_5h"`
	CreatedAtMs     int64              `json:"created_at_ms"`
	LastUsedMs      int64              `json:"last_used_ms"`
	ExpiryDateMs    int64              `json:"expiry_date_ms"`
	LifetimeTokens  int64              `json:"lifetime_tokens"`
	Window          RollingWindowState `json:"rolling_window"`
}

// Clone returns a deep copy. Callers that hand records across goroutine
// boundaries must clone first; Window.Buckets is the only reference field.
func (r TenantRecord) Clone() TenantRecord {
	out := r
	if len(r.Window.Buckets) > 0 {
		out.Window.Buckets = make([]WindowBucket, len(r.Window.Buckets))
		copy(out.Window.Buckets, r.Window.Buckets)
	}
	return out
}

// IsExpired reports whether the key is past its expiry at the given instant.
func (r TenantRecord) IsExpired(nowMs int64) bool {
	return r.ExpiryDateMs > 0 && r.ExpiryDateMs < nowMs
}

// WindowBucket is one live bucket of a serialized rolling window.
type WindowBucket struct {
	StartMs int64 `json:"start_ms"`
	Tokens  int64 `json:"tokens"`
}

// RollingWindowState is the serialized form of a rolling window. Buckets are
// keyed by their own start instant; RunningTotal is restored verbatim on load.
type RollingWindowState struct {
	Buckets          []WindowBucket `json:"buckets"`
	RunningTotal     int64          `json:"running_total"`
	WindowDurationMs int64          `json:"window_duration_ms"`
	BucketSizeMs     int64          `json:"bucket_size_ms"`
	LastUpdatedMs    int64          `json:"last_updated_ms"`
}

// TenantPatch is a partial update for a tenant record. Nil fields are left
// unchanged.
type TenantPatch struct {
	Name            *string `json:"name,omitempty"`
	Model           *string `json:"model,omitempty"`
	TokenLimitPer5h *int64  `json:"token_limit_per_5h,omitempty"`
	ExpiryDateMs    *int64  `json:"expiry_date_ms,omitempty"`
}
