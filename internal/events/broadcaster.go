package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tollgate-proxy/tollgate/internal/model"
)

// ErrSubscriptionClosed is returned from Next after Close.
var ErrSubscriptionClosed = errors.New("events: subscription closed")

// Subscription is one subscriber's bounded, FIFO event stream. A slow
// consumer loses its oldest buffered events first.
type Subscription struct {
	ID string

	mu      sync.Mutex
	queue   []Envelope
	maxBuf  int
	closed  bool
	dropped int64

	notify chan struct{}
	parent *Broadcaster
}

// Next blocks for the next event. Returns ErrSubscriptionClosed after Close
// drains, or the ctx error on cancellation.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Envelope{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Buffered events remain readable.
func (s *Subscription) Close() {
	s.parent.unsubscribe(s.ID)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) push(ev Envelope) (droppedOne bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.maxBuf {
		// Drop oldest first; the subscriber keeps the freshest view.
		s.queue = s.queue[1:]
		s.dropped++
		droppedOne = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
	return droppedOne
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Broadcaster fans events out to all live subscriptions. Delivery is
// best-effort per subscriber; one slow consumer never blocks another.
// It implements the tenant store's event sink.
type Broadcaster struct {
	subs   *xsync.Map[string, *Subscription]
	maxBuf int

	published     atomic.Int64
	slowConsumers atomic.Int64
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// maxBuffer events each.
func NewBroadcaster(maxBuffer int) *Broadcaster {
	if maxBuffer <= 0 {
		maxBuffer = 64
	}
	return &Broadcaster{
		subs:   xsync.NewMap[string, *Subscription](),
		maxBuf: maxBuffer,
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		maxBuf: b.maxBuf,
		notify: make(chan struct{}, 1),
		parent: b,
	}
	b.subs.Store(s.ID, s)
	return s
}

func (b *Broadcaster) unsubscribe(id string) {
	b.subs.Delete(id)
}

// Subscribers returns the live subscriber count.
func (b *Broadcaster) Subscribers() int {
	return b.subs.Size()
}

// Publish delivers one envelope to every subscriber.
func (b *Broadcaster) Publish(ev Envelope) {
	b.published.Add(1)
	b.subs.Range(func(id string, s *Subscription) bool {
		if s.push(ev) {
			b.slowConsumers.Add(1)
			log.Printf("[events] slow_consumer: subscriber %s dropped oldest event", id)
		}
		return true
	})
}

// Stats is a point-in-time snapshot of broadcaster activity.
type Stats struct {
	Subscribers   int   `json:"subscribers"`
	Published     int64 `json:"published"`
	SlowConsumers int64 `json:"slow_consumer_events"`
}

// Stats returns current broadcaster metrics.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Subscribers:   b.Subscribers(),
		Published:     b.published.Load(),
		SlowConsumers: b.slowConsumers.Load(),
	}
}

// TenantCreated implements the store event sink.
func (b *Broadcaster) TenantCreated(rec model.TenantRecord) {
	b.Publish(newEnvelope(TypeKeyCreated, rec))
}

// TenantUpdated implements the store event sink.
func (b *Broadcaster) TenantUpdated(rec model.TenantRecord) {
	b.Publish(newEnvelope(TypeKeyUpdated, rec))
}

// TenantDeleted implements the store event sink.
func (b *Broadcaster) TenantDeleted(rec model.TenantRecord) {
	b.Publish(newEnvelope(TypeKeyDeleted, rec))
}

// UsageRecorded implements the store event sink.
func (b *Broadcaster) UsageRecorded(rec model.TenantRecord, tokens int64) {
	b.Publish(newEnvelope(TypeUsageUpdated, usagePayload(rec, tokens, time.Now().UnixMilli())))
}
