package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-proxy/tollgate/internal/config"
	"github.com/tollgate-proxy/tollgate/internal/model"
	"github.com/tollgate-proxy/tollgate/internal/ratelimit"
	"github.com/tollgate-proxy/tollgate/internal/state"
)

const (
	maxNameLength = 255
	minKeyLength  = 16
	maxTokenLimit = 10_000_000
	keyPrefix     = "tg-"
)

// KeyResponse is the admin-facing rendering of one tenant record.
type KeyResponse struct {
	Key                 string  `json:"key"`
	Name                string  `json:"name"`
	Model               string  `json:"model"`
	TokenLimitPer5h     int64   `json:"token_limit_per_5h"`
	ExpiryDate          *string `json:"expiry_date"`
	CreatedAt           string  `json:"created_at"`
	LastUsed            *string `json:"last_used"`
	IsExpired           bool    `json:"is_expired"`
	TotalLifetimeTokens int64   `json:"total_lifetime_tokens"`
}

func renderKey(rec model.TenantRecord, nowMs int64) KeyResponse {
	resp := KeyResponse{
		Key:                 rec.Key,
		Name:                rec.Name,
		Model:               rec.Model,
		TokenLimitPer5h:     rec.TokenLimitPer5h,
		CreatedAt:           msToISO(rec.CreatedAtMs),
		IsExpired:           rec.IsExpired(nowMs),
		TotalLifetimeTokens: rec.LifetimeTokens,
	}
	if rec.ExpiryDateMs > 0 {
		s := msToISO(rec.ExpiryDateMs)
		resp.ExpiryDate = &s
	}
	if rec.LastUsedMs > 0 {
		s := msToISO(rec.LastUsedMs)
		resp.LastUsed = &s
	}
	return resp
}

func msToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// UsageResponse reports one tenant's current window usage.
type UsageResponse struct {
	Key                 string  `json:"key"`
	TokensUsedInWindow  int64   `json:"tokens_used_in_current_window"`
	WindowStartedAt     *string `json:"window_started_at"`
	WindowEndsAt        *string `json:"window_ends_at"`
	RemainingTokens     int64   `json:"remaining_tokens"`
	TotalLifetimeTokens int64   `json:"total_lifetime_tokens"`
}

func renderUsage(rec model.TenantRecord) UsageResponse {
	resp := UsageResponse{
		Key:                 rec.Key,
		TokensUsedInWindow:  rec.Window.RunningTotal,
		TotalLifetimeTokens: rec.LifetimeTokens,
	}
	oldest := int64(0)
	for _, b := range rec.Window.Buckets {
		if oldest == 0 || b.StartMs < oldest {
			oldest = b.StartMs
		}
	}
	if oldest > 0 {
		start := msToISO(oldest)
		end := msToISO(oldest + rec.Window.WindowDurationMs)
		resp.WindowStartedAt = &start
		resp.WindowEndsAt = &end
	}
	if remaining := rec.TokenLimitPer5h - rec.Window.RunningTotal; remaining > 0 {
		resp.RemainingTokens = remaining
	}
	return resp
}

type keyCreateRequest struct {
	Key             string `json:"key,omitempty"`
	Name            string `json:"name"`
	Model           string `json:"model,omitempty"`
	TokenLimitPer5h int64  `json:"token_limit_per_5h"`
	ExpiryDate      string `json:"expiry_date,omitempty"`
}

type keyUpdateRequest struct {
	Name            *string `json:"name,omitempty"`
	Model           *string `json:"model,omitempty"`
	TokenLimitPer5h *int64  `json:"token_limit_per_5h,omitempty"`
	ExpiryDate      *string `json:"expiry_date,omitempty"`
}

func validateName(name string, details []FieldError) (string, []FieldError) {
	name = strings.TrimSpace(name)
	if name == "" {
		details = append(details, FieldError{Field: "name", Message: "must not be empty"})
	} else if len(name) > maxNameLength {
		details = append(details, FieldError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxNameLength)})
	}
	return name, details
}

func validateLimit(limit int64, details []FieldError) []FieldError {
	if limit < 1 || limit > maxTokenLimit {
		details = append(details, FieldError{Field: "token_limit_per_5h", Message: fmt.Sprintf("must be between 1 and %d", maxTokenLimit)})
	}
	return details
}

func validateModel(name string, models *config.ModelAllowList, details []FieldError) []FieldError {
	if !models.Allowed(name) {
		details = append(details, FieldError{Field: "model", Message: fmt.Sprintf("must be one of %v", models.Names())})
	}
	return details
}

// validateExpiry parses an ISO-8601 expiry and requires it in the future.
func validateExpiry(value string, nowMs int64, details []FieldError) (int64, []FieldError) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		details = append(details, FieldError{Field: "expiry_date", Message: "must be a valid ISO-8601 timestamp"})
		return 0, details
	}
	ms := t.UnixMilli()
	if ms < nowMs {
		details = append(details, FieldError{Field: "expiry_date", Message: "must not be in the past"})
	}
	return ms, details
}

// HandleListKeys serves GET /api/keys.
func HandleListKeys(store *state.TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
		nowMs := time.Now().UnixMilli()
		recs := store.Iterate()
		items := make([]KeyResponse, 0, len(recs))
		for _, rec := range recs {
			items = append(items, renderKey(rec, nowMs))
		}
		SortByKey(items, func(k KeyResponse) string { return k.CreatedAt + k.Key })
		WritePage(w, http.StatusOK, items, p)
	})
}

// HandleCreateKey serves POST /api/keys.
func HandleCreateKey(store *state.TenantStore, models *config.ModelAllowList, defaultModel string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req keyCreateRequest
		if err := DecodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}

		nowMs := time.Now().UnixMilli()
		var details []FieldError

		name, details := validateName(req.Name, details)
		details = validateLimit(req.TokenLimitPer5h, details)

		modelName := req.Model
		if modelName == "" {
			modelName = defaultModel
		}
		details = validateModel(modelName, models, details)

		var expiryMs int64
		if req.ExpiryDate != "" {
			expiryMs, details = validateExpiry(req.ExpiryDate, nowMs, details)
		}

		key := req.Key
		if key == "" {
			key = keyPrefix + uuid.NewString()
		} else if len(key) < minKeyLength {
			details = append(details, FieldError{Field: "key", Message: fmt.Sprintf("must be at least %d characters", minKeyLength)})
		}

		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		rec, err := store.Create(model.TenantRecord{
			Key:             key,
			Name:            name,
			Model:           modelName,
			TokenLimitPer5h: req.TokenLimitPer5h,
			ExpiryDateMs:    expiryMs,
			CreatedAtMs:     nowMs,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		log.Printf("[api] created key %s (%s)", rec.Key, rec.Name)
		WriteJSON(w, http.StatusCreated, renderKey(rec, nowMs))
	})
}

// HandleGetKey serves GET /api/keys/{key}.
func HandleGetKey(store *state.TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tnt, ok := store.Lookup(r.PathValue("key"))
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "key not found")
			return
		}
		WriteJSON(w, http.StatusOK, renderKey(tnt.Snapshot(), time.Now().UnixMilli()))
	})
}

// HandleUpdateKey serves PUT /api/keys/{key}. Absent fields keep their
// current values.
func HandleUpdateKey(store *state.TenantStore, models *config.ModelAllowList, limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req keyUpdateRequest
		if err := DecodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}

		nowMs := time.Now().UnixMilli()
		var details []FieldError
		patch := model.TenantPatch{}

		if req.Name != nil {
			name, d := validateName(*req.Name, details)
			details = d
			patch.Name = &name
		}
		if req.TokenLimitPer5h != nil {
			details = validateLimit(*req.TokenLimitPer5h, details)
			patch.TokenLimitPer5h = req.TokenLimitPer5h
		}
		if req.Model != nil {
			details = validateModel(*req.Model, models, details)
			patch.Model = req.Model
		}
		if req.ExpiryDate != nil {
			var expiryMs int64
			if *req.ExpiryDate != "" {
				expiryMs, details = validateExpiry(*req.ExpiryDate, nowMs, details)
			}
			patch.ExpiryDateMs = &expiryMs
		}

		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		key := r.PathValue("key")
		rec, err := store.Update(key, patch)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if limiter != nil {
			limiter.Invalidate(key, nowMs)
		}
		log.Printf("[api] updated key %s", key)
		WriteJSON(w, http.StatusOK, renderKey(rec, nowMs))
	})
}

// HandleDeleteKey serves DELETE /api/keys/{key}.
func HandleDeleteKey(store *state.TenantStore, limiter *ratelimit.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if err := store.Delete(key); err != nil {
			writeStoreError(w, err)
			return
		}
		if limiter != nil {
			limiter.Invalidate(key, time.Now().UnixMilli())
		}
		log.Printf("[api] deleted key %s", key)
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandleKeyUsage serves GET /api/keys/{key}/usage.
func HandleKeyUsage(store *state.TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tnt, ok := store.Lookup(r.PathValue("key"))
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "key not found")
			return
		}
		WriteJSON(w, http.StatusOK, renderUsage(tnt.Snapshot()))
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "key not found")
	case errors.Is(err, state.ErrConflict):
		WriteError(w, http.StatusConflict, "CONFLICT", "key already exists")
	default:
		log.Printf("[api] store operation failed: %v", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "storage operation failed")
	}
}
