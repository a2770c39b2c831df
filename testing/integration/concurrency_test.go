package integration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zoobzio/pocketz"
)

// TestConcurrentTracesStayIsolated runs many independent traces at once and
// checks no span leaks into another flow's trace.
func TestConcurrentTracesStayIsolated(t *testing.T) {
	tracer := pocketz.New(pocketz.Config{TracePrefix: "iso"})
	rec := NewRecorder(t, tracer)

	const flows = 50
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < flows; i++ {
		g.Go(func() error {
			flow := strconv.Itoa(i)
			return tracer.Trace(ctx, "request", pocketz.Metadata{"flow": flow}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
				for j := 0; j < 3; j++ {
					err := tracer.Span(ctx, "step", pocketz.Metadata{"flow": flow}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
						time.Sleep(time.Millisecond)
						return nil
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	lists := rec.Lists()
	require.Len(t, lists, flows)
	for _, list := range lists {
		require.Len(t, list, 4)
		AssertWellFormed(t, list)

		flow := list[len(list)-1].Metadata["flow"]
		for _, s := range list {
			assert.Equal(t, flow, s.Metadata["flow"], "span %s crossed flows", s.SpanID)
		}
	}
}

// TestFanOutSiblings opens sibling spans from worker goroutines under one
// parent. All of them land in the parent's trace.
func TestFanOutSiblings(t *testing.T) {
	tracer := pocketz.New(pocketz.Config{TracePrefix: "fan"})
	rec := NewRecorder(t, tracer)

	err := tracer.Trace(context.Background(), "batch", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i := 0; i < 32; i++ {
			g.Go(func() error {
				return tracer.Span(gctx, fmt.Sprintf("item-%02d", i), nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
					return tracer.Span(ctx, "write", nil, func(context.Context, *pocketz.ActiveSpan) error { return nil })
				})
			})
		}
		return g.Wait()
	})
	require.NoError(t, err)

	lists := rec.Lists()
	require.Len(t, lists, 1)
	list := lists[0]
	require.Len(t, list, 1+32*2)
	AssertWellFormed(t, list)

	root := list[len(list)-1]
	children := 0
	for _, s := range list {
		if s.ParentSpanID == root.SpanID {
			children++
		}
	}
	assert.Equal(t, 32, children)
}

// TestSiblingErrorCancelsOthers records the failing span's error and the
// cancellation it causes in its siblings.
func TestSiblingErrorCancelsOthers(t *testing.T) {
	tracer := pocketz.New(pocketz.Config{})
	rec := NewRecorder(t, tracer)

	boom := fmt.Errorf("disk full")
	err := tracer.Trace(context.Background(), "job", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		g, gctx := errgroup.WithContext(ctx)
		started := make(chan struct{})
		g.Go(func() error {
			return tracer.Span(gctx, "slow", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
		})
		g.Go(func() error {
			<-started
			return tracer.Span(gctx, "failing", nil, func(context.Context, *pocketz.ActiveSpan) error {
				return boom
			})
		})
		return g.Wait()
	})
	require.ErrorIs(t, err, boom)

	spans := rec.Spans()
	require.Len(t, spans, 3)

	failing := FindSpan(t, spans, "failing")
	msg, ok := failing.Err()
	assert.True(t, ok)
	assert.Equal(t, "disk full", msg)

	slow := FindSpan(t, spans, "slow")
	msg, ok = slow.Err()
	assert.True(t, ok)
	assert.Equal(t, context.Canceled.Error(), msg)

	job := FindSpan(t, spans, "job")
	msg, _ = job.Err()
	assert.Equal(t, "disk full", msg)
}

// TestConcurrentReceiverChanges adds and removes receivers while traces
// complete.
func TestConcurrentReceiverChanges(t *testing.T) {
	tracer := pocketz.New(pocketz.Config{})
	stable := NewRecorder(t, tracer)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			id := tracer.AddReceiver(pocketz.ReceiverFunc(func([]pocketz.Span) error { return nil }))
			tracer.RemoveReceiver(id)
		}
	}()

	for i := 0; i < 200; i++ {
		_, span := tracer.StartTrace(context.Background(), "op", nil)
		span.Finish()
	}
	close(stop)
	wg.Wait()

	assert.Len(t, stable.Lists(), 200)
}
