package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/pocketz"
)

// Context cascade tests - verify cancellation reaching deeply nested spans
// is recorded on every level and never loses the trace.

type listRecorder struct {
	mu    sync.Mutex
	lists [][]pocketz.Span
}

func (r *listRecorder) Receive(spans []pocketz.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, spans)
	return nil
}

func (r *listRecorder) snapshot() [][]pocketz.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]pocketz.Span, len(r.lists))
	copy(out, r.lists)
	return out
}

func TestCancellationCascade(t *testing.T) {
	skipUnless(t, "basic", "stress")

	const depth = 20
	tracer := pocketz.New(pocketz.Config{})
	rec := &listRecorder{}
	tracer.AddReceiver(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var descend func(ctx context.Context, level int) error
	descend = func(ctx context.Context, level int) error {
		return tracer.Span(ctx, fmt.Sprintf("level-%02d", level), nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
			if level == depth {
				<-ctx.Done()
				return ctx.Err()
			}
			return descend(ctx, level+1)
		})
	}

	err := tracer.Trace(ctx, "root", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		return descend(ctx, 1)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	lists := rec.snapshot()
	if len(lists) != 1 {
		t.Fatalf("Expected 1 trace, got %d", len(lists))
	}
	spans := lists[0]
	if len(spans) != depth+1 {
		t.Fatalf("Expected %d spans, got %d", depth+1, len(spans))
	}
	for _, s := range spans {
		msg, ok := s.Err()
		if !ok || msg != context.DeadlineExceeded.Error() {
			t.Errorf("Span %s: expected error %q, got %q", s.Name, context.DeadlineExceeded.Error(), msg)
		}
	}

	// Completion order is innermost first.
	if spans[0].Name != fmt.Sprintf("level-%02d", depth) {
		t.Errorf("Expected innermost span first, got %s", spans[0].Name)
	}
	if spans[len(spans)-1].Name != "root" {
		t.Errorf("Expected root last, got %s", spans[len(spans)-1].Name)
	}
}

// TestCancelledBodyReturningNil checks that a body which swallows the
// cancellation still gets it recorded.
func TestCancelledBodyReturningNil(t *testing.T) {
	skipUnless(t, "basic", "stress")

	tracer := pocketz.New(pocketz.Config{})
	rec := &listRecorder{}
	tracer.AddReceiver(rec)

	cause := errors.New("client went away")
	ctx, cancel := context.WithCancelCause(context.Background())

	err := tracer.Trace(ctx, "request", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		cancel(cause)
		return nil
	})
	if err != nil {
		t.Errorf("Expected nil error from body, got %v", err)
	}

	spans := rec.snapshot()[0]
	if msg, _ := spans[0].Err(); msg != cause.Error() {
		t.Errorf("Expected recorded cause %q, got %q", cause.Error(), msg)
	}
}

// TestOrphanedGoroutines leaves child spans running after the root finishes.
// They are counted as late and never delivered.
func TestOrphanedGoroutines(t *testing.T) {
	config := skipUnless(t, "basic", "stress")

	tracer := pocketz.New(pocketz.Config{})
	rec := &listRecorder{}
	tracer.AddReceiver(rec)

	orphans := min(config.MaxGoroutines, 50)
	release := make(chan struct{})
	var wg sync.WaitGroup

	ctx, root := tracer.StartTrace(context.Background(), "handler", nil)
	for i := 0; i < orphans; i++ {
		_, child := tracer.StartSpan(ctx, "background", nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			child.Finish()
		}()
	}
	root.Finish()
	close(release)
	wg.Wait()

	lists := rec.snapshot()
	if len(lists) != 1 || len(lists[0]) != 1 {
		t.Fatalf("Expected only the root delivered, got %v", lists)
	}
	if got := tracer.LateSpans(); got != uint64(orphans) {
		t.Errorf("Expected %d late spans, got %d", orphans, got)
	}
}
