package pool

import "github.com/tollgate-proxy/tollgate/internal/metrics"

// Stats is a point-in-time snapshot of pool health and throughput.
type Stats struct {
	BaseURL         string          `json:"base_url"`
	Size            int             `json:"size"`
	Active          int             `json:"active"`
	Idle            int             `json:"idle"`
	Waiting         int             `json:"waiting"`
	Created         int64           `json:"created"`
	Retired         int64           `json:"retired"`
	Unhealthy       int64           `json:"unhealthy"`
	Acquires        int64           `json:"acquires"`
	AcquireTimeouts int64           `json:"acquire_timeouts"`
	TotalRequests   int64           `json:"total_requests"`
	TotalFailures   int64           `json:"total_failures"`
	AvgWaitMs       float64         `json:"avg_wait_ms"`
	RequestDuration metrics.Summary `json:"request_duration"`
	UtilizationPct  float64         `json:"utilization_pct"`
}

// Stats returns current pool metrics. Active counts outstanding leases, so
// it can exceed Size when connections are shared.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	leases := 0
	idle := 0
	for _, c := range p.conns {
		leases += c.leases
		if c.leases == 0 && c.State() == StateIdle {
			idle++
		}
	}
	s := Stats{
		BaseURL:         p.baseURL,
		Size:            len(p.conns),
		Active:          leases,
		Idle:            idle,
		Waiting:         p.waiters.Len(),
		Created:         p.created,
		Retired:         p.retired,
		Unhealthy:       p.unhealthyMarked,
		Acquires:        p.acquires,
		AcquireTimeouts: p.acquireTimeouts,
		TotalRequests:   p.totalRequests,
		TotalFailures:   p.totalFailures,
	}
	capacity := p.cfg.MaxConnections * p.cfg.MaxInFlightPerConnection
	p.mu.Unlock()

	s.AvgWaitMs = p.waitTimes.Mean()
	s.RequestDuration = p.requestTimes.Snapshot()
	if capacity > 0 {
		s.UtilizationPct = float64(s.Active) / float64(capacity) * 100
	}
	return s
}
