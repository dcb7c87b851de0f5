package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/pool"
)

func testConn(id string) *pool.PooledConnection {
	return &pool.PooledConnection{ID: id, BaseURL: "http://upstream.test"}
}

func okResponse() (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK}, nil
}

func TestPipeline_RunsUnderCap(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 2, MaxQueueSize: 10, QueueTimeout: time.Second})
	conn := testConn("c1")

	resp, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	s := m.Stats()
	if s.Completed != 1 || s.Active != 0 || s.QueueDepth != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

// Fill the lane, queue a LOW and then a CRITICAL request; on each slot
// release the CRITICAL one runs first.
func TestPipeline_PriorityOrder(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 10, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
			<-hold
			return okResponse()
		})
	}()

	// Wait for the lane to fill.
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	var mu sync.Mutex
	var order []string
	run := func(tag string, prio Priority) chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			m.Execute(context.Background(), conn, prio, func() (*http.Response, error) {
				mu.Lock()
				order = append(order, tag)
				mu.Unlock()
				return okResponse()
			})
		}()
		return done
	}

	lowDone := run("low", PriorityLow)
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 })
	criticalDone := run("critical", PriorityCritical)
	waitFor(t, func() bool { return m.Stats().QueueDepth == 2 })

	close(hold)
	<-holderDone
	<-lowDone
	<-criticalDone

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "low" {
		t.Fatalf("priority order violated: %v", order)
	}
}

func TestPipeline_FIFOWithinPriority(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 10, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	go m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
		<-hold
		return okResponse()
	})
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return okResponse()
			})
		}()
		waitFor(t, func() bool { return m.Stats().QueueDepth == i+1 })
	}

	close(hold)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("FIFO within priority violated: %v", order)
	}
}

func TestPipeline_Backpressure(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	defer close(hold)
	go m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
		<-hold
		return okResponse()
	})
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	go m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
		<-hold
		return okResponse()
	})
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 })

	_, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
	if got := m.Stats().Backpressure; got != 1 {
		t.Fatalf("backpressure counter: got %d", got)
	}
}

func TestPipeline_QueueTimeout(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 10, QueueTimeout: 100 * time.Millisecond})
	conn := testConn("c1")

	hold := make(chan struct{})
	defer close(hold)
	go m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
		<-hold
		return okResponse()
	})
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	_, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse)
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	s := m.Stats()
	if s.QueueDepth != 0 {
		t.Fatalf("timed-out entry left in queue: %d", s.QueueDepth)
	}
	if s.QueueTimeouts != 1 {
		t.Fatalf("queue timeout counter: got %d", s.QueueTimeouts)
	}
}

// Cancelling a queued request leaves no phantom entry behind.
func TestPipeline_CancelRemovesQueueEntry(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 10, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
			<-hold
			return okResponse()
		})
	}()
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Execute(ctx, conn, PriorityNormal, okResponse)
		errCh <- err
	}()
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := m.Stats().QueueDepth; got != 0 {
		t.Fatalf("phantom queue entry: depth %d", got)
	}

	// The lane still works for the next caller.
	close(hold)
	<-holderDone
	if _, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse); err != nil {
		t.Fatalf("execute after cancel: %v", err)
	}
}

func TestPipeline_ShutdownRejects(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 10, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
			<-hold
			return okResponse()
		})
	}()
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	queuedErr := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse)
		queuedErr <- err
	}()
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 })

	m.Shutdown()

	if err := <-queuedErr; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("queued request not rejected: %v", err)
	}
	if _, err := m.Execute(context.Background(), conn, PriorityNormal, okResponse); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("new request not rejected: %v", err)
	}

	// The in-flight request completes normally.
	close(hold)
	<-holderDone
	if got := m.Stats().Completed; got != 1 {
		t.Fatalf("active request did not complete: %d", got)
	}
}

func TestPipeline_PipelinedCounter(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 4, MaxQueueSize: 10, QueueTimeout: time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
				<-hold
				return okResponse()
			})
		}()
	}
	waitFor(t, func() bool { return m.Stats().Active == 3 })
	close(hold)
	wg.Wait()

	s := m.Stats()
	if s.Pipelined != 2 {
		t.Fatalf("expected 2 pipelined requests, got %d", s.Pipelined)
	}
	if s.PeakConcurrency != 3 {
		t.Fatalf("expected peak concurrency 3, got %d", s.PeakConcurrency)
	}
}

// Rejected and cancelled requests must not pollute the priority totals or
// the failure counter.
func TestPipeline_CountersTruthful(t *testing.T) {
	m := NewManager(Config{MaxPerConnection: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})
	conn := testConn("c1")

	hold := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		m.Execute(context.Background(), conn, PriorityNormal, func() (*http.Response, error) {
			<-hold
			return okResponse()
		})
	}()
	waitFor(t, func() bool { return m.Stats().Active == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := m.Execute(ctx, conn, PriorityHigh, okResponse)
		cancelledErr <- err
	}()
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 })

	// Queue full: rejected before admission.
	if _, err := m.Execute(context.Background(), conn, PriorityCritical, okResponse); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	cancel()
	if err := <-cancelledErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(hold)
	<-holderDone

	s := m.Stats()
	if s.ByPriority["critical"] != 0 {
		t.Fatalf("rejected request counted toward priority totals: %+v", s.ByPriority)
	}
	if s.ByPriority["high"] != 1 || s.ByPriority["normal"] != 1 {
		t.Fatalf("admitted requests miscounted: %+v", s.ByPriority)
	}
	if s.Cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %d", s.Cancelled)
	}
	if s.Failed != 0 {
		t.Fatalf("cancellation counted as failure: %d", s.Failed)
	}
	if s.Completed != 1 {
		t.Fatalf("expected 1 completed, got %d", s.Completed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
