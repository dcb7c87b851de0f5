package profile

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestProfile_DisabledIsNilSafe(t *testing.T) {
	p := New(false)
	ctx, tr := p.Start(context.Background())
	if tr != nil {
		t.Fatalf("disabled profiler returned a trace")
	}
	if FromContext(ctx) != nil {
		t.Fatalf("disabled profiler attached a trace to the context")
	}

	// Nil-receiver calls must not panic.
	tr.Mark("auth")
	if tr.Total() != 0 || tr.Summary() != "" || tr.Marks() != nil {
		t.Fatalf("nil trace must report empty results")
	}
}

func TestProfile_MarksAccumulate(t *testing.T) {
	p := New(true)
	ctx, tr := p.Start(context.Background())
	if tr == nil {
		t.Fatalf("enabled profiler returned no trace")
	}
	if FromContext(ctx) != tr {
		t.Fatalf("trace not reachable from context")
	}

	tr.Mark("auth")
	time.Sleep(10 * time.Millisecond)
	tr.Mark("upstream")

	marks := tr.Marks()
	if len(marks) != 2 {
		t.Fatalf("expected 2 marks, got %d", len(marks))
	}
	if marks[0].Label != "auth" || marks[1].Label != "upstream" {
		t.Fatalf("mark labels wrong: %+v", marks)
	}
	if marks[1].Duration < 5*time.Millisecond {
		t.Fatalf("second span did not cover the sleep: %v", marks[1].Duration)
	}

	s := tr.Summary()
	if !strings.Contains(s, "auth=") || !strings.Contains(s, "upstream=") {
		t.Fatalf("summary missing labels: %q", s)
	}
}
