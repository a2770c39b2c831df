package integration

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/pocketz"
)

// TestSamplingIsPerTrace checks that a trace is either delivered whole or
// not at all.
func TestSamplingIsPerTrace(t *testing.T) {
	src := rand.New(rand.NewPCG(1, 2))
	tracer := pocketz.New(pocketz.Config{TraceChance: pocketz.Chance(0.5)}).WithSampler(src.Float64)
	rec := NewRecorder(t, tracer)

	const traces = 400
	for i := 0; i < traces; i++ {
		err := tracer.Trace(context.Background(), "request", nil, func(ctx context.Context, root *pocketz.ActiveSpan) error {
			ctx2, a := tracer.StartSpan(ctx, "a", nil)
			_, b := tracer.StartSpan(ctx2, "b", nil)
			assert.Equal(t, root.IsRecording(), a.IsRecording())
			assert.Equal(t, root.IsRecording(), b.IsRecording())
			b.Finish()
			a.Finish()

			carrier := tracer.Export(ctx)
			if root.IsRecording() {
				assert.Contains(t, carrier, pocketz.CarrierKey)
			} else {
				assert.Empty(t, carrier)
			}
			return nil
		})
		require.NoError(t, err)
	}

	lists := rec.Lists()
	for _, list := range lists {
		require.Len(t, list, 3)
		AssertWellFormed(t, list)
	}
	assert.InDelta(t, traces/2, len(lists), traces*0.1)
}

// TestUnsampledTraceInsideSampledOne checks that a dropped inner trace does
// not leak its spans into the outer one.
func TestUnsampledTraceInsideSampledOne(t *testing.T) {
	draws := []float64{0.1, 0.9}
	tracer := pocketz.New(pocketz.Config{TraceChance: pocketz.Chance(0.5)}).WithSampler(func() float64 {
		v := draws[0]
		draws = draws[1:]
		return v
	})
	rec := NewRecorder(t, tracer)

	err := tracer.Trace(context.Background(), "outer", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
		return tracer.Trace(ctx, "inner", nil, func(ctx context.Context, inner *pocketz.ActiveSpan) error {
			assert.False(t, inner.IsRecording())
			_, child := tracer.StartSpan(ctx, "child", nil)
			assert.False(t, child.IsRecording())
			child.Finish()
			return nil
		})
	})
	require.NoError(t, err)

	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "outer", spans[0].Name)
}

func TestImportIgnoresLocalSampling(t *testing.T) {
	origin := pocketz.New(pocketz.Config{TracePrefix: "up"})
	downstream := pocketz.New(pocketz.Config{TracePrefix: "down", TraceChance: pocketz.Chance(0)})
	rec := NewRecorder(t, downstream)

	ctx, root := origin.StartTrace(context.Background(), "upstream", nil)
	_, span := downstream.Import(context.Background(), "downstream", origin.Export(ctx), nil)
	require.True(t, span.IsRecording(), "a propagated trace was already sampled upstream")
	span.Finish()
	root.Finish()

	spans := rec.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, root.TraceID(), spans[0].TraceID)
	assert.Equal(t, root.SpanID(), spans[0].ParentSpanID)
}
