package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/pocketz"
)

// Recorder is a receiver that keeps every delivered span list.
//
//nolint:govet // Field alignment optimized for test helper readability
type Recorder struct {
	lists [][]pocketz.Span
	t     *testing.T
	mu    sync.Mutex
}

// NewRecorder creates a recorder and registers it on tracer.
func NewRecorder(t *testing.T, tracer *pocketz.Tracer) *Recorder {
	r := &Recorder{t: t}
	tracer.AddReceiver(r)
	return r
}

// Receive implements pocketz.Receiver.
func (r *Recorder) Receive(spans []pocketz.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, spans)
	return nil
}

// Lists returns a copy of every delivered list.
func (r *Recorder) Lists() [][]pocketz.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]pocketz.Span, len(r.lists))
	copy(out, r.lists)
	return out
}

// Spans returns every delivered span, flattened in delivery order.
func (r *Recorder) Spans() []pocketz.Span {
	var out []pocketz.Span
	for _, list := range r.Lists() {
		out = append(out, list...)
	}
	return out
}

// ByTrace groups delivered spans by trace id.
func (r *Recorder) ByTrace() map[string][]pocketz.Span {
	out := make(map[string][]pocketz.Span)
	for _, s := range r.Spans() {
		out[s.TraceID] = append(out[s.TraceID], s)
	}
	return out
}

// WaitForLists waits until at least n lists have been delivered.
func (r *Recorder) WaitForLists(n int, timeout time.Duration) [][]pocketz.Span {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if lists := r.Lists(); len(lists) >= n {
			return lists
		}
		time.Sleep(5 * time.Millisecond)
	}

	lists := r.Lists()
	r.t.Errorf("Timeout waiting for span lists: expected %d, got %d", n, len(lists))
	return lists
}

// FindSpan returns the first span with the given name in spans.
func FindSpan(t *testing.T, spans []pocketz.Span, name string) pocketz.Span {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Errorf("Span named '%s' not found", name)
	return pocketz.Span{}
}

// AssertParentChild verifies that child is parented to parent.
func AssertParentChild(t *testing.T, parent, child pocketz.Span) {
	t.Helper()
	if child.ParentSpanID != parent.SpanID {
		t.Errorf("Expected %s to be child of %s (parent %s), got parent %s",
			child.Name, parent.Name, parent.SpanID, child.ParentSpanID)
	}
	if child.TraceID != parent.TraceID {
		t.Errorf("Expected %s in trace %s, got %s", child.Name, parent.TraceID, child.TraceID)
	}
}

// AssertWellFormed checks a delivered list: one trace id, unique span ids,
// the root last and every other span parented inside the list.
func AssertWellFormed(t *testing.T, spans []pocketz.Span) {
	t.Helper()
	if len(spans) == 0 {
		t.Error("Expected non-empty span list")
		return
	}

	root := spans[len(spans)-1]
	ids := make(map[string]bool, len(spans))
	for _, s := range spans {
		if s.TraceID != root.TraceID {
			t.Errorf("Span %s has trace %s, expected %s", s.Name, s.TraceID, root.TraceID)
		}
		if ids[s.SpanID] {
			t.Errorf("Duplicate span id %s", s.SpanID)
		}
		ids[s.SpanID] = true
	}
	for _, s := range spans[:len(spans)-1] {
		if !ids[s.ParentSpanID] {
			t.Errorf("Span %s has parent %s outside its list", s.Name, s.ParentSpanID)
		}
	}
}
