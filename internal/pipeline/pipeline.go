// Package pipeline schedules concurrent requests onto pooled connections,
// serving a bounded priority queue when a connection's lane cap is reached.
package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/metrics"
	"github.com/tollgate-proxy/tollgate/internal/pool"
)

var (
	// ErrBackpressure is returned when the global queue is full.
	ErrBackpressure = errors.New("pipeline: backpressure")
	// ErrQueueTimeout is returned when a queued request waits too long.
	ErrQueueTimeout = errors.New("pipeline: queue timeout")
	// ErrShuttingDown is returned for new and queued work after Shutdown.
	ErrShuttingDown = errors.New("pipeline: shutting down")
)

// Priority orders queued requests. Higher values run first; FIFO within a
// level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config bounds one Manager.
type Config struct {
	MaxPerConnection int
	MaxQueueSize     int
	QueueTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerConnection <= 0 {
		c.MaxPerConnection = 10
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	return c
}

// pending is one queued request awaiting a lane slot.
type pending struct {
	connID   string
	priority Priority
	seq      uint64
	index    int // heap index, -1 when removed

	// grant carries nil when a slot was reserved, or a terminal error.
	grant chan error

	enqueuedAt time.Time
}

type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// Manager enforces the per-connection lane cap and runs the shared queue.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	active  map[string]int // connection ID -> in-flight count
	queue   pendingHeap
	seq     uint64
	closed  bool
	totalIn int64

	// counters
	completed       int64
	failed          int64
	backpressure    int64
	queueTimeouts   int64
	cancelled       int64
	pipelined       int64 // ran while the lane already had another request
	peakConcurrency int
	byPriority      [4]int64

	queueWait *metrics.Reservoir
}

// NewManager creates a pipelining manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		active:    make(map[string]int),
		queueWait: metrics.NewReservoir(0),
	}
}

// Execute runs do on the given connection, respecting the lane cap. When the
// lane is full the call queues by priority; a full queue fails fast with
// ErrBackpressure. Cancelling ctx removes the queue entry.
func (m *Manager) Execute(ctx context.Context, conn *pool.PooledConnection, priority Priority, do func() (*http.Response, error)) (*http.Response, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.active[conn.ID] < m.cfg.MaxPerConnection {
		m.byPriority[clampPriority(priority)]++
		m.reserveLocked(conn.ID)
		m.mu.Unlock()
		return m.run(conn.ID, do)
	}

	if len(m.queue) >= m.cfg.MaxQueueSize {
		m.backpressure++
		m.mu.Unlock()
		return nil, ErrBackpressure
	}

	// Only admitted requests count toward the priority totals.
	m.byPriority[clampPriority(priority)]++
	m.seq++
	p := &pending{
		connID:     conn.ID,
		priority:   priority,
		seq:        m.seq,
		grant:      make(chan error, 1),
		enqueuedAt: time.Now(),
	}
	heap.Push(&m.queue, p)
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case err := <-p.grant:
		if err != nil {
			return nil, err
		}
		m.queueWait.Observe(time.Since(p.enqueuedAt).Milliseconds())
		return m.run(conn.ID, do)
	case <-timer.C:
		if m.withdraw(p) {
			m.mu.Lock()
			m.queueTimeouts++
			m.mu.Unlock()
			return nil, ErrQueueTimeout
		}
		// Grant raced the timer; consume it.
		if err := <-p.grant; err != nil {
			return nil, err
		}
		return m.run(conn.ID, do)
	case <-ctx.Done():
		if m.withdraw(p) {
			m.mu.Lock()
			m.cancelled++
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		if err := <-p.grant; err != nil {
			return nil, err
		}
		// The slot was already reserved for us; hand it back without
		// issuing the request. A client cancellation is not a failure.
		m.mu.Lock()
		m.cancelled++
		m.releaseSlotLocked(conn.ID)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// withdraw removes a pending entry from the queue. Returns false when the
// entry already left the queue (granted or rejected).
func (m *Manager) withdraw(p *pending) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.index < 0 {
		return false
	}
	heap.Remove(&m.queue, p.index)
	return true
}

// reserveLocked takes one lane slot for the connection.
func (m *Manager) reserveLocked(connID string) {
	m.active[connID]++
	if m.active[connID] > 1 {
		m.pipelined++
	}
	total := 0
	for _, n := range m.active {
		total += n
	}
	if total > m.peakConcurrency {
		m.peakConcurrency = total
	}
}

func (m *Manager) run(connID string, do func() (*http.Response, error)) (*http.Response, error) {
	resp, err := do()
	m.finish(connID, err == nil)
	return resp, err
}

// finish releases a lane slot and grants it to the best eligible queued
// request.
func (m *Manager) finish(connID string, ok bool) {
	m.mu.Lock()
	if ok {
		m.completed++
	} else {
		m.failed++
	}
	m.releaseSlotLocked(connID)
	m.mu.Unlock()
}

func (m *Manager) releaseSlotLocked(connID string) {
	if m.active[connID] > 0 {
		m.active[connID]--
		if m.active[connID] == 0 {
			delete(m.active, connID)
		}
	}
	m.dispatchLocked()
}

// dispatchLocked grants slots to queued requests in priority order while
// their lanes have capacity.
func (m *Manager) dispatchLocked() {
	if m.closed {
		return
	}
	var skipped []*pending
	for len(m.queue) > 0 {
		p := m.queue[0]
		if m.active[p.connID] >= m.cfg.MaxPerConnection {
			heap.Pop(&m.queue)
			skipped = append(skipped, p)
			continue
		}
		heap.Pop(&m.queue)
		m.reserveLocked(p.connID)
		p.grant <- nil
	}
	for _, p := range skipped {
		heap.Push(&m.queue, p)
	}
}

// Shutdown rejects new work and fails every queued request. Requests already
// granted a slot run to completion.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for len(m.queue) > 0 {
		p := heap.Pop(&m.queue).(*pending)
		p.grant <- ErrShuttingDown
	}
	m.mu.Unlock()
}

func clampPriority(p Priority) Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}
