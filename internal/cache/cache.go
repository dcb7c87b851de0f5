// Package cache memoizes idempotent, non-streamed upstream responses for a
// short TTL.
package cache

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/tollgate-proxy/tollgate/internal/metrics"
)

// Entry is one cached upstream response.
type Entry struct {
	Status     int
	Header     http.Header
	Body       []byte
	TokensUsed int64
	CreatedAt  time.Time

	// staleAt is stamped on Set; Get enforces it so expiry happens on
	// lookup even when the backing cache has not reaped the entry yet.
	staleAt time.Time
}

// ResponseCache is an LRU+TTL response cache. Streamed responses and non-2xx
// statuses are never admitted.
type ResponseCache struct {
	cache      otter.CacheWithVariableTTL[string, Entry]
	defaultTTL time.Duration

	lookups    atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	stores     atomic.Int64
	rejected   atomic.Int64
	evicted    atomic.Int64
	expired    atomic.Int64
	lookupTime *metrics.Reservoir
}

// New creates a cache bounded to maxEntries with the given default TTL.
func New(maxEntries int, defaultTTL time.Duration) (*ResponseCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &ResponseCache{
		defaultTTL: defaultTTL,
		lookupTime: metrics.NewReservoir(0),
	}
	inner, err := otter.MustBuilder[string, Entry](maxEntries).
		Cost(func(_ string, _ Entry) uint32 { return 1 }).
		WithVariableTTL().
		DeletionListener(func(_ string, _ Entry, cause otter.DeletionCause) {
			switch cause {
			case otter.Size:
				c.evicted.Add(1)
			case otter.Expired:
				c.expired.Add(1)
			}
		}).
		Build()
	if err != nil {
		return nil, err
	}
	c.cache = inner
	return c, nil
}

// Get returns the cached entry for key, touching its recency. Entries past
// their TTL are dropped on lookup.
func (c *ResponseCache) Get(key string) (Entry, bool) {
	start := time.Now()
	c.lookups.Add(1)
	entry, ok := c.cache.Get(key)
	if ok && !entry.staleAt.IsZero() && !time.Now().Before(entry.staleAt) {
		c.cache.Delete(key)
		c.expired.Add(1)
		entry, ok = Entry{}, false
	}
	c.lookupTime.Observe(time.Since(start).Microseconds())
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

// Set admits a response. ttl <= 0 picks the default. Non-2xx entries are
// silently rejected; callers must keep streamed responses out.
func (c *ResponseCache) Set(key string, entry Entry, ttl time.Duration) {
	if entry.Status < 200 || entry.Status > 299 {
		c.rejected.Add(1)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.staleAt = entry.CreatedAt.Add(ttl)
	// Replacing an existing key is an update, not an insert; dropping the
	// old value first keeps a full cache from evicting a bystander.
	if _, exists := c.cache.Get(key); exists {
		c.cache.Delete(key)
	}
	if c.cache.Set(key, entry, ttl) {
		c.stores.Add(1)
	} else {
		c.rejected.Add(1)
	}
}

// Delete drops one entry.
func (c *ResponseCache) Delete(key string) {
	c.cache.Delete(key)
}

// Size returns the current entry count.
func (c *ResponseCache) Size() int {
	return c.cache.Size()
}

// Clear drops everything; used by scheduled maintenance.
func (c *ResponseCache) Clear() {
	c.cache.Clear()
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size        int     `json:"size"`
	Lookups     int64   `json:"lookups"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRatePct  float64 `json:"hit_rate_pct"`
	Stores      int64   `json:"stores"`
	Rejected    int64   `json:"rejected"`
	Evicted     int64   `json:"evicted"`
	Expired     int64   `json:"expired"`
	AvgLookupUs float64 `json:"avg_lookup_us"`
}

// Stats returns current cache metrics.
func (c *ResponseCache) Stats() Stats {
	s := Stats{
		Size:        c.Size(),
		Lookups:     c.lookups.Load(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Stores:      c.stores.Load(),
		Rejected:    c.rejected.Load(),
		Evicted:     c.evicted.Load(),
		Expired:     c.expired.Load(),
		AvgLookupUs: c.lookupTime.Mean(),
	}
	if s.Lookups > 0 {
		s.HitRatePct = float64(s.Hits) / float64(s.Lookups) * 100
	}
	return s
}
