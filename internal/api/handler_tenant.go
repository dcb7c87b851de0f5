package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/state"
)

// tenantCredential pulls the tenant key from Authorization: Bearer or
// x-api-key, mirroring the proxy surface.
func tenantCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// CurrentUsage is the live-window section of a StatsResponse.
type CurrentUsage struct {
	TokensUsedInWindow int64   `json:"tokens_used_in_current_window"`
	WindowStartedAt    *string `json:"window_started_at"`
	WindowEndsAt       *string `json:"window_ends_at"`
	RemainingTokens    int64   `json:"remaining_tokens"`
}

// StatsResponse is the tenant-facing self-service usage report.
type StatsResponse struct {
	Key                 string       `json:"key"`
	Name                string       `json:"name"`
	Model               string       `json:"model"`
	TokenLimitPer5h     int64        `json:"token_limit_per_5h"`
	ExpiryDate          *string      `json:"expiry_date"`
	CreatedAt           string       `json:"created_at"`
	LastUsed            *string      `json:"last_used"`
	IsExpired           bool         `json:"is_expired"`
	CurrentUsage        CurrentUsage `json:"current_usage"`
	TotalLifetimeTokens int64        `json:"total_lifetime_tokens"`
}

// HandleTenantStats serves GET /stats for the authenticated tenant.
func HandleTenantStats(store *state.TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := tenantCredential(r)
		if key == "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing API key credential")
			return
		}
		tnt, ok := store.Lookup(key)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIAL", "unknown API key")
			return
		}

		nowMs := time.Now().UnixMilli()
		rec := tnt.Snapshot()
		base := renderKey(rec, nowMs)
		usage := renderUsage(rec)
		WriteJSON(w, http.StatusOK, StatsResponse{
			Key:             base.Key,
			Name:            base.Name,
			Model:           base.Model,
			TokenLimitPer5h: base.TokenLimitPer5h,
			ExpiryDate:      base.ExpiryDate,
			CreatedAt:       base.CreatedAt,
			LastUsed:        base.LastUsed,
			IsExpired:       base.IsExpired,
			CurrentUsage: CurrentUsage{
				TokensUsedInWindow: usage.TokensUsedInWindow,
				WindowStartedAt:    usage.WindowStartedAt,
				WindowEndsAt:       usage.WindowEndsAt,
				RemainingTokens:    usage.RemainingTokens,
			},
			TotalLifetimeTokens: base.TotalLifetimeTokens,
		})
	})
}

// HandleHealth serves GET /health.
func HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}
