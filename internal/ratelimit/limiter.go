// Package ratelimit decides per-request allow/deny from a tenant's rolling
// window and records post-hoc usage through the tenant store.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/tollgate-proxy/tollgate/internal/model"
	"github.com/tollgate-proxy/tollgate/internal/window"
)

// Deny reasons.
const (
	ReasonKeyExpired    = "key_expired"
	ReasonLimitExceeded = "limit_exceeded"
	ReasonInternal      = "internal"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed           bool
	Reason            string
	TokensUsed        int64
	TokensLimit       int64
	WindowEndsAtMs    int64
	RetryAfterSeconds int64
}

// UsageRecorder applies a usage charge to the authoritative tenant state.
// Implemented by the tenant store; per-key write serialization lives there.
type UsageRecorder interface {
	RecordUsage(key string, tokens int64, modelAtUse string, nowMs int64) error
}

// Limiter evaluates quota decisions. Check is point-in-time: it does not
// reserve capacity, so two concurrent allows can slightly overshoot the
// quota; Record plus the next Check correct the drift.
type Limiter struct {
	recorder UsageRecorder

	// Bounded decision cache keyed by (tenant, second). Only hint=1 allow
	// paths consult it; Record and tenant updates invalidate by key.
	decisions    otter.Cache[string, Decision]
	cacheEnabled bool
}

// Config configures a Limiter.
type Config struct {
	Recorder UsageRecorder
	// DecisionCacheSize bounds the decision cache; 0 disables caching.
	DecisionCacheSize int
	// DecisionCacheTTL must stay at or below one second.
	DecisionCacheTTL time.Duration
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{recorder: cfg.Recorder}
	if cfg.DecisionCacheSize > 0 {
		ttl := cfg.DecisionCacheTTL
		if ttl <= 0 || ttl > time.Second {
			ttl = time.Second
		}
		cache, err := otter.MustBuilder[string, Decision](cfg.DecisionCacheSize).
			Cost(func(_ string, _ Decision) uint32 { return 1 }).
			WithTTL(ttl).
			Build()
		if err != nil {
			panic("ratelimit: failed to create decision cache: " + err.Error())
		}
		l.decisions = cache
		l.cacheEnabled = true
	}
	return l
}

// Close releases the decision cache.
func (l *Limiter) Close() {
	if l.cacheEnabled {
		l.decisions.Close()
	}
}

func decisionKey(tenantKey string, nowMs int64) string {
	return fmt.Sprintf("%s:%d", tenantKey, nowMs/1000)
}

// Check computes the decision for one request. It never returns an error;
// internal failures degrade to a deny with ReasonInternal.
func (l *Limiter) Check(rec model.TenantRecord, win *window.Window, tokensHint, nowMs int64) Decision {
	if tokensHint <= 0 {
		tokensHint = 1
	}
	if win == nil {
		return Decision{Allowed: false, Reason: ReasonInternal, TokensLimit: rec.TokenLimitPer5h}
	}

	if rec.IsExpired(nowMs) {
		return Decision{Allowed: false, Reason: ReasonKeyExpired, TokensLimit: rec.TokenLimitPer5h}
	}

	cacheable := l.cacheEnabled && tokensHint == 1
	ck := ""
	if cacheable {
		ck = decisionKey(rec.Key, nowMs)
		if d, ok := l.decisions.Get(ck); ok {
			return d
		}
	}

	used, oldestStart, hasBuckets := win.Stats(nowMs)
	d := Decision{
		Allowed:     true,
		TokensUsed:  used,
		TokensLimit: rec.TokenLimitPer5h,
	}
	if used+tokensHint > rec.TokenLimitPer5h {
		d.Allowed = false
		d.Reason = ReasonLimitExceeded
		if hasBuckets {
			endsAt := oldestStart + win.DurationMs()
			d.WindowEndsAtMs = endsAt
			if remaining := endsAt - nowMs; remaining > 0 {
				d.RetryAfterSeconds = (remaining + 999) / 1000
			}
		}
	}

	if cacheable {
		l.decisions.Set(ck, d)
	}
	return d
}

// Record charges n tokens against the tenant and invalidates any cached
// decision for it. Best-effort from the caller's point of view: the proxy
// engine fires it after the response is already committed.
func (l *Limiter) Record(key string, tokens int64, modelAtUse string, nowMs int64) error {
	if l.recorder == nil {
		return fmt.Errorf("ratelimit: no usage recorder configured")
	}
	err := l.recorder.RecordUsage(key, tokens, modelAtUse, nowMs)
	l.Invalidate(key, nowMs)
	return err
}

// Invalidate drops cached decisions for the key covering the current and
// previous second. Called on Record and on tenant updates.
func (l *Limiter) Invalidate(key string, nowMs int64) {
	if !l.cacheEnabled {
		return
	}
	l.decisions.Delete(decisionKey(key, nowMs))
	l.decisions.Delete(decisionKey(key, nowMs-1000))
}
