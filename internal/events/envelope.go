// Package events delivers tenant lifecycle and usage notifications to
// websocket subscribers.
package events

import (
	"time"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

// Event types carried in Envelope.Type.
const (
	TypeConnected    = "connected"
	TypeKeyCreated   = "key_created"
	TypeKeyUpdated   = "key_updated"
	TypeKeyDeleted   = "key_deleted"
	TypeUsageUpdated = "usage_updated"
)

// Envelope is the wire shape for every event.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// UsagePayload is the data body of a usage_updated event.
type UsagePayload struct {
	Key                 string `json:"key"`
	Name                string `json:"name"`
	Model               string `json:"model"`
	TokensUsed          int64  `json:"tokens_used"`
	TotalLifetimeTokens int64  `json:"total_lifetime_tokens"`
	RemainingQuota      int64  `json:"remaining_quota"`
	WindowStart         int64  `json:"window_start"`
	WindowEnd           int64  `json:"window_end"`
	IsExpired           bool   `json:"is_expired"`
}

func newEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

func usagePayload(rec model.TenantRecord, tokens int64, nowMs int64) UsagePayload {
	windowStart := int64(0)
	for _, b := range rec.Window.Buckets {
		if windowStart == 0 || b.StartMs < windowStart {
			windowStart = b.StartMs
		}
	}
	windowEnd := int64(0)
	if windowStart > 0 {
		windowEnd = windowStart + rec.Window.WindowDurationMs
	}
	remaining := rec.TokenLimitPer5h - rec.Window.RunningTotal
	if remaining < 0 {
		remaining = 0
	}
	return UsagePayload{
		Key:                 rec.Key,
		Name:                rec.Name,
		Model:               rec.Model,
		TokensUsed:          tokens,
		TotalLifetimeTokens: rec.LifetimeTokens,
		RemainingQuota:      remaining,
		WindowStart:         windowStart,
		WindowEnd:           windowEnd,
		IsExpired:           rec.IsExpired(nowMs),
	}
}
