// Package pool maintains a bounded set of warmed outbound connections per
// upstream base URL.
package pool

import (
	"container/list"
	"context"
	"errors"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/metrics"
)

var (
	// ErrAcquireTimeout is returned when no usable connection appears within
	// the acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")
)

// Config bounds and tunes one ConnectionPool.
type Config struct {
	MinConnections int
	MaxConnections int

	// MaxInFlightPerConnection is the lane width: leases handed out per
	// connection before the pool grows. Shared with the pipelining cap.
	MaxInFlightPerConnection int

	// AcquireTimeout bounds the wait when every connection is unusable.
	// Zero fails fast with ErrAcquireTimeout.
	AcquireTimeout time.Duration

	IdleTimeout         time.Duration
	KeepAliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	EnableHTTP2         bool
	WarmPool            bool
	EnableMetrics       bool

	// Probe checks one connection's upstream reachability. The default
	// dials the base URL's host.
	Probe func(ctx context.Context, conn *PooledConnection) error
}

func (c Config) withDefaults() Config {
	if c.MinConnections <= 0 {
		c.MinConnections = 2
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.MaxInFlightPerConnection <= 0 {
		c.MaxInFlightPerConnection = 10
	}
	if c.AcquireTimeout < 0 {
		c.AcquireTimeout = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

type waiter struct {
	ch chan *PooledConnection
}

// ConnectionPool hands out shared leases on connections to one upstream base
// URL. A connection carries up to the lane width of leases; demand beyond
// that grows the pool, and once every connection is at full width the
// least-loaded one is handed out anyway so overflow lands in the pipelining
// queue rather than here. Acquire blocks only when no healthy connection
// exists at all.
type ConnectionPool struct {
	cfg     Config
	baseURL string
	host    string

	mu      sync.Mutex
	conns   map[string]*PooledConnection
	waiters *list.List
	closed  bool

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// counters
	acquires        int64
	acquireTimeouts int64
	created         int64
	retired         int64
	unhealthyMarked int64

	waitTimes     *metrics.Reservoir
	requestTimes  *metrics.Reservoir
	totalRequests int64
	totalFailures int64
}

// New creates a pool for baseURL and optionally warms it to MinConnections.
func New(baseURL string, cfg Config) (*ConnectionPool, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, errors.New("pool: invalid base URL " + baseURL)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	p := &ConnectionPool{
		cfg:          cfg,
		baseURL:      baseURL,
		host:         host,
		conns:        make(map[string]*PooledConnection),
		waiters:      list.New(),
		stopCh:       make(chan struct{}),
		waitTimes:    metrics.NewReservoir(0),
		requestTimes: metrics.NewReservoir(0),
	}

	if cfg.WarmPool {
		p.mu.Lock()
		for i := 0; i < cfg.MinConnections; i++ {
			if _, err := p.newConnLocked(); err != nil {
				p.mu.Unlock()
				return nil, err
			}
		}
		p.mu.Unlock()
		log.Printf("[pool] warmed %d connections for %s", cfg.MinConnections, baseURL)
	}

	p.wg.Add(1)
	go p.maintenanceLoop()
	return p, nil
}

func (p *ConnectionPool) newConnLocked() (*PooledConnection, error) {
	conn, err := newConnection(p.baseURL, p.cfg)
	if err != nil {
		return nil, err
	}
	p.conns[conn.ID] = conn
	p.created++
	return conn, nil
}

// Acquire returns a leased connection. The least-loaded healthy connection
// is preferred; the pool grows when every connection has a full lane. When
// the pool is at max size with full lanes the least-loaded connection is
// still handed out, so callers queue in the pipelining manager instead of
// here. Acquire waits only while every connection is unhealthy and still
// draining, up to AcquireTimeout (zero fails fast) or ctx cancellation.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.acquires++

	best := p.leastLoadedLocked()
	if (best == nil || best.leases >= p.cfg.MaxInFlightPerConnection) && len(p.conns) < p.cfg.MaxConnections {
		fresh, err := p.newConnLocked()
		if err == nil {
			best = fresh
		} else if best == nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	if best != nil {
		p.leaseLocked(best)
		p.mu.Unlock()
		p.waitTimes.Observe(time.Since(start).Milliseconds())
		return best, nil
	}

	if p.cfg.AcquireTimeout == 0 {
		p.acquireTimeouts++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}

	w := &waiter{ch: make(chan *PooledConnection, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		if conn == nil {
			// Channel closed by pool shutdown.
			return nil, ErrClosed
		}
		p.waitTimes.Observe(time.Since(start).Milliseconds())
		return conn, nil
	case <-timer.C:
		if conn := p.abandonWaiter(elem, w); conn != nil {
			// Handoff raced the timeout; keep the connection.
			p.waitTimes.Observe(time.Since(start).Milliseconds())
			return conn, nil
		}
		p.mu.Lock()
		p.acquireTimeouts++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		if conn := p.abandonWaiter(elem, w); conn != nil {
			// Handoff raced the cancellation; put the lease back.
			p.Release(conn, true)
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes a waiter from the FIFO. Returns a connection when a
// handoff already happened.
func (p *ConnectionPool) abandonWaiter(elem *list.Element, w *waiter) *PooledConnection {
	p.mu.Lock()
	if !p.closed {
		p.waiters.Remove(elem)
	}
	p.mu.Unlock()
	select {
	case conn := <-w.ch:
		return conn
	default:
		return nil
	}
}

// leastLoadedLocked returns the healthy connection carrying the fewest
// leases, or nil when the pool is empty or fully unhealthy.
func (p *ConnectionPool) leastLoadedLocked() *PooledConnection {
	var best *PooledConnection
	for _, c := range p.conns {
		st := c.State()
		if st == StateUnhealthy || st == StateRetired {
			continue
		}
		if best == nil || c.leases < best.leases {
			best = c
		}
	}
	return best
}

func (p *ConnectionPool) leaseLocked(conn *PooledConnection) {
	conn.leases++
	conn.state.Store(int32(StateAcquired))
}

// Release returns one lease. healthy=false marks the connection unhealthy;
// it is retired once its last lease comes back.
func (p *ConnectionPool) Release(conn *PooledConnection, healthy bool) {
	p.mu.Lock()
	if conn.leases > 0 {
		conn.leases--
	}
	if p.closed {
		if conn.leases == 0 {
			p.retireLocked(conn)
		}
		p.mu.Unlock()
		return
	}
	if !healthy || conn.State() == StateUnhealthy {
		if conn.State() != StateUnhealthy {
			p.unhealthyMarked++
		}
		conn.state.Store(int32(StateUnhealthy))
		if conn.leases == 0 {
			p.retireLocked(conn)
			// Retirement frees room for a replacement to serve waiters.
			if p.waiters.Len() > 0 && len(p.conns) < p.cfg.MaxConnections {
				if fresh, err := p.newConnLocked(); err == nil {
					p.drainWaitersLocked(fresh)
				}
			}
		}
		p.mu.Unlock()
		return
	}
	conn.touch()
	if p.waiters.Len() > 0 {
		p.drainWaitersLocked(conn)
		p.mu.Unlock()
		return
	}
	if conn.leases == 0 {
		conn.state.Store(int32(StateIdle))
	}
	p.mu.Unlock()
}

// drainWaitersLocked leases the connection to every queued waiter, oldest
// first. Waiters only accumulate while no healthy connection exists, so the
// first usable one takes them all.
func (p *ConnectionPool) drainWaitersLocked(conn *PooledConnection) {
	for p.waiters.Len() > 0 {
		elem := p.waiters.Front()
		p.waiters.Remove(elem)
		p.leaseLocked(conn)
		elem.Value.(*waiter).ch <- conn
	}
}

func (p *ConnectionPool) retireLocked(conn *PooledConnection) {
	if _, ok := p.conns[conn.ID]; !ok {
		return
	}
	delete(p.conns, conn.ID)
	conn.retire()
	p.retired++
}

// ObserveRequest records one proxied request's outcome against pool metrics.
func (p *ConnectionPool) ObserveRequest(d time.Duration, ok bool) {
	p.requestTimes.Observe(d.Milliseconds())
	p.mu.Lock()
	p.totalRequests++
	if !ok {
		p.totalFailures++
	}
	p.mu.Unlock()
}

func (p *ConnectionPool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeIdle()
			p.retireStaleIdle()
		}
	}
}

func (p *ConnectionPool) probe(ctx context.Context, conn *PooledConnection) error {
	if p.cfg.Probe != nil {
		return p.cfg.Probe(ctx, conn)
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", p.host)
	if err != nil {
		return err
	}
	return c.Close()
}

func (p *ConnectionPool) probeIdle() {
	p.mu.Lock()
	var idle []*PooledConnection
	for _, c := range p.conns {
		if c.leases == 0 && c.State() == StateIdle {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, conn := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.probe(ctx, conn)
		cancel()
		if err == nil {
			continue
		}
		log.Printf("[pool] health probe failed for %s: %v", conn.ID, err)
		p.mu.Lock()
		if conn.leases == 0 {
			conn.state.Store(int32(StateUnhealthy))
			p.unhealthyMarked++
			p.retireLocked(conn)
		}
		p.mu.Unlock()
	}
}

func (p *ConnectionPool) retireStaleIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		if len(p.conns) <= p.cfg.MinConnections {
			return
		}
		if conn.leases == 0 && conn.State() == StateIdle && conn.LastUsedAt().Before(cutoff) {
			p.retireLocked(conn)
		}
	}
}

// Size returns the number of managed connections.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close rejects further acquires, fails queued waiters, and closes every
// connection. Active leaseholders finish; their Release then retires.
func (p *ConnectionPool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ch)
	}
	p.waiters.Init()
	for _, conn := range p.conns {
		conn.retire()
	}
	p.conns = make(map[string]*PooledConnection)
	p.mu.Unlock()
}
