package pool

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateAcquired
	StateUnhealthy
	StateRetired
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquired:
		return "acquired"
	case StateUnhealthy:
		return "unhealthy"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// PooledConnection wraps one outbound client whose transport carries the
// requests of a single logical upstream connection. State transitions and the
// lease count are driven by the pool.
type PooledConnection struct {
	ID      string
	BaseURL string

	client    *http.Client
	transport *http.Transport

	// leases counts callers holding this connection via Acquire. Guarded by
	// the pool mutex.
	leases int

	state      atomic.Int32
	createdAt  time.Time
	lastUsedAt atomic.Int64 // unix millis

	requests atomic.Int64
	failures atomic.Int64
}

func newConnection(baseURL string, cfg Config) (*PooledConnection, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: cfg.KeepAliveTimeout,
	}
	// The transport carries up to the lane width of concurrent requests for
	// this logical connection; the pipelining manager bounds admission.
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       cfg.MaxInFlightPerConnection,
		MaxIdleConns:          cfg.MaxInFlightPerConnection,
		MaxIdleConnsPerHost:   cfg.MaxInFlightPerConnection,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     cfg.EnableHTTP2,
	}
	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	}

	c := &PooledConnection{
		ID:        uuid.NewString(),
		BaseURL:   baseURL,
		client:    &http.Client{Transport: transport},
		transport: transport,
		createdAt: time.Now(),
	}
	c.state.Store(int32(StateIdle))
	c.touch()
	return c, nil
}

// Do executes one request on this connection. Several leaseholders may be in
// flight at once; the pipelining manager bounds how many.
func (c *PooledConnection) Do(req *http.Request) (*http.Response, error) {
	c.requests.Add(1)
	resp, err := c.client.Do(req)
	c.touch()
	if err != nil {
		c.failures.Add(1)
	}
	return resp, err
}

// State returns the current lifecycle state.
func (c *PooledConnection) State() ConnState {
	return ConnState(c.state.Load())
}

// LastUsedAt returns the last-use time.
func (c *PooledConnection) LastUsedAt() time.Time {
	return time.UnixMilli(c.lastUsedAt.Load())
}

// Requests returns the lifetime request count.
func (c *PooledConnection) Requests() int64 { return c.requests.Load() }

// Failures returns the lifetime failure count.
func (c *PooledConnection) Failures() int64 { return c.failures.Load() }

func (c *PooledConnection) touch() {
	c.lastUsedAt.Store(time.Now().UnixMilli())
}

func (c *PooledConnection) retire() {
	c.state.Store(int32(StateRetired))
	c.transport.CloseIdleConnections()
}
