package api

import (
	"net/http"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/buildinfo"
	"github.com/tollgate-proxy/tollgate/internal/cache"
	"github.com/tollgate-proxy/tollgate/internal/config"
	"github.com/tollgate-proxy/tollgate/internal/events"
	"github.com/tollgate-proxy/tollgate/internal/pipeline"
	"github.com/tollgate-proxy/tollgate/internal/pool"
	"github.com/tollgate-proxy/tollgate/internal/state"
)

// MetricsSources holds the components whose counters the system metrics
// endpoint aggregates. Nil fields are omitted from the snapshot.
type MetricsSources struct {
	Pool        *pool.ConnectionPool
	Pipeline    *pipeline.Manager
	Cache       *cache.ResponseCache
	Broadcaster *events.Broadcaster
	Store       *state.TenantStore

	// StartedAt stamps the process start for the uptime field.
	StartedAt time.Time
}

// HandleSystemMetrics serves GET /api/system/metrics.
func HandleSystemMetrics(src MetricsSources) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := map[string]any{
			"version": buildinfo.Version,
		}
		if !src.StartedAt.IsZero() {
			snapshot["uptime"] = config.Duration(time.Since(src.StartedAt))
		}
		if src.Pool != nil {
			snapshot["pool"] = src.Pool.Stats()
		}
		if src.Pipeline != nil {
			snapshot["pipeline"] = src.Pipeline.Stats()
		}
		if src.Cache != nil {
			snapshot["cache"] = src.Cache.Stats()
		}
		if src.Broadcaster != nil {
			snapshot["events"] = src.Broadcaster.Stats()
		}
		if src.Store != nil {
			snapshot["store"] = map[string]int{
				"tenants":     src.Store.Size(),
				"dirty_usage": src.Store.DirtyCount(),
			}
		}
		WriteJSON(w, http.StatusOK, snapshot)
	})
}
