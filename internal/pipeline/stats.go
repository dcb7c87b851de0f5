package pipeline

import "github.com/tollgate-proxy/tollgate/internal/metrics"

// Stats is a point-in-time snapshot of pipeline scheduling state.
type Stats struct {
	Active          int              `json:"active"`
	QueueDepth      int              `json:"queue_depth"`
	Completed       int64            `json:"completed"`
	Failed          int64            `json:"failed"`
	Backpressure    int64            `json:"backpressure_events"`
	QueueTimeouts   int64            `json:"queue_timeouts"`
	Cancelled       int64            `json:"cancelled"`
	Pipelined       int64            `json:"pipelined"`
	PeakConcurrency int              `json:"peak_concurrency"`
	ByPriority      map[string]int64 `json:"by_priority"`
	QueueWait       metrics.Summary  `json:"queue_wait"`
}

// Stats returns current scheduling metrics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := 0
	for _, n := range m.active {
		active += n
	}
	s := Stats{
		Active:          active,
		QueueDepth:      len(m.queue),
		Completed:       m.completed,
		Failed:          m.failed,
		Backpressure:    m.backpressure,
		QueueTimeouts:   m.queueTimeouts,
		Cancelled:       m.cancelled,
		Pipelined:       m.pipelined,
		PeakConcurrency: m.peakConcurrency,
		ByPriority: map[string]int64{
			PriorityLow.String():      m.byPriority[PriorityLow],
			PriorityNormal.String():   m.byPriority[PriorityNormal],
			PriorityHigh.String():     m.byPriority[PriorityHigh],
			PriorityCritical.String(): m.byPriority[PriorityCritical],
		},
	}
	m.mu.Unlock()

	s.QueueWait = m.queueWait.Snapshot()
	return s
}
