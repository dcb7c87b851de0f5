// Package profile collects per-request timing marks. When disabled, every
// operation is a nil-receiver no-op so the hot path pays nothing.
package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type ctxKey struct{}

// Profiler gates trace creation.
type Profiler struct {
	enabled bool
}

// New creates a profiler.
func New(enabled bool) *Profiler {
	return &Profiler{enabled: enabled}
}

// Enabled reports whether traces are being collected.
func (p *Profiler) Enabled() bool {
	return p != nil && p.enabled
}

// Start begins a trace for one request and attaches it to the context.
// Returns the original context and a nil trace when disabled.
func (p *Profiler) Start(ctx context.Context) (context.Context, *Trace) {
	if !p.Enabled() {
		return ctx, nil
	}
	t := &Trace{start: time.Now(), last: time.Now()}
	return context.WithValue(ctx, ctxKey{}, t), t
}

// FromContext returns the trace attached to ctx, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(ctxKey{}).(*Trace)
	return t
}

// Mark is one named span within a trace.
type Mark struct {
	Label    string
	Duration time.Duration
}

// Trace accumulates marks for one request. All methods are nil-safe.
type Trace struct {
	mu    sync.Mutex
	start time.Time
	last  time.Time
	marks []Mark
}

// Mark closes the span since the previous mark under the given label.
func (t *Trace) Mark(label string) {
	if t == nil {
		return
	}
	now := time.Now()
	t.mu.Lock()
	t.marks = append(t.marks, Mark{Label: label, Duration: now.Sub(t.last)})
	t.last = now
	t.mu.Unlock()
}

// Total returns the elapsed time since the trace started.
func (t *Trace) Total() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}

// Marks returns a copy of the recorded marks.
func (t *Trace) Marks() []Mark {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mark, len(t.marks))
	copy(out, t.marks)
	return out
}

// Summary renders the marks as "label=dur" pairs for a log line.
func (t *Trace) Summary() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.marks))
	for _, m := range t.marks {
		parts = append(parts, fmt.Sprintf("%s=%s", m.Label, m.Duration.Round(time.Microsecond)))
	}
	return strings.Join(parts, " ")
}
