package pocketz

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
)

// Tracer opens traces and spans and delivers completed traces to receivers.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	receivers     []receiverEntry
	panicHook     func(receiverID uint64, r interface{})
	ids           *idGenerator
	clock         clockz.Clock
	logger        logrus.FieldLogger
	sample        func() float64
	config        Config
	receiversLock sync.RWMutex
	nextID        atomic.Uint64
	lateSpans     atomic.Uint64
}

// New creates a tracer from cfg.
// Uses the real clock and the standard logrus logger.
//
// New never fails: a chance outside [0,1] is clamped, commas in the prefix
// are replaced and default metadata using reserved field names is dropped.
// Use Config.Validate to reject such configs instead.
func New(cfg Config) *Tracer {
	t := &Tracer{
		receivers: make([]receiverEntry, 0),
		clock:     clockz.RealClock,
		logger:    logrus.StandardLogger(),
		sample:    rand.Float64,
	}

	if cfg.TraceChance != nil {
		p := min(max(*cfg.TraceChance, 0), 1)
		cfg.TraceChance = &p
	}
	if cfg.TracePrefix == "" {
		cfg.TracePrefix = randomPrefix(t.clock)
	}
	cfg.TracePrefix = strings.ReplaceAll(cfg.TracePrefix, carrierSep, "_")
	cfg.BufferCapacity = cfg.capacity()
	cfg.Metadata = cfg.Metadata.clone()
	for _, field := range reservedFields {
		delete(cfg.Metadata, field)
	}

	t.config = cfg
	t.ids = newIDGenerator(cfg.TracePrefix)
	return t
}

// WithClock sets the clock used for timestamps and durations.
// Enables clock injection for deterministic testing. Call before use.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	t.clock = clock
	return t
}

// WithLogger sets the logger used for receiver failures and dropped spans.
func (t *Tracer) WithLogger(logger logrus.FieldLogger) *Tracer {
	t.logger = logger
	return t
}

// WithSampler replaces the uniform [0,1) source used for sampling.
func (t *Tracer) WithSampler(sample func() float64) *Tracer {
	t.sample = sample
	return t
}

// Config returns the effective configuration.
func (t *Tracer) Config() Config {
	cfg := t.config
	cfg.Metadata = cfg.Metadata.clone()
	return cfg
}

// Logger returns the tracer's logger.
func (t *Tracer) Logger() logrus.FieldLogger {
	return t.logger
}

// Clock returns the tracer's clock.
func (t *Tracer) Clock() clockz.Clock {
	return t.clock
}

// LateSpans returns the number of spans that finished after their trace root
// and were therefore never delivered.
func (t *Tracer) LateSpans() uint64 {
	return t.lateSpans.Load()
}

// sampled draws the per-trace sampling coin.
func (t *Tracer) sampled() bool {
	if t.config.TraceChance == nil {
		return true
	}
	return t.sample() < *t.config.TraceChance
}

// StartTrace opens a new trace and returns a context carrying its root span.
// Any active span already in ctx is ignored; the new trace is independent.
//
// If the trace is not sampled, the returned context masks any outer active
// span and the span does not record, so spans opened beneath it are no-ops
// as well.
func (t *Tracer) StartTrace(ctx context.Context, name Key, md Metadata) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.sampled() {
		return context.WithValue(ctx, activeKey, (*activeContext)(nil)), noopSpan
	}

	return t.open(ctx, name, "", t.ids.traceID(), &accumulator{}, true, md)
}

// StartSpan opens a child of the active span in ctx. Without an active span
// it returns ctx unchanged and a non-recording span.
func (t *Tracer) StartSpan(ctx context.Context, name Key, md Metadata) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := fromContext(ctx)
	if parent == nil {
		return ctx, noopSpan
	}

	return t.open(ctx, name, parent.spanID, parent.traceID, parent.acc, false, md)
}

// StartSpanFrom opens a child of an explicit parent. If ctx carries an active
// span of the same trace the child joins that trace's span list; otherwise
// it starts a local fragment that is delivered when this span finishes.
func (t *Tracer) StartSpanFrom(ctx context.Context, name Key, parent SpanContext, md Metadata) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !parent.IsValid() {
		return ctx, noopSpan
	}

	if active := fromContext(ctx); active != nil && active.traceID == parent.TraceID {
		return t.open(ctx, name, parent.SpanID, parent.TraceID, active.acc, false, md)
	}
	return t.open(ctx, name, parent.SpanID, parent.TraceID, &accumulator{}, true, md)
}

// open builds the ActiveSpan and installs it in a derived context.
func (t *Tracer) open(ctx context.Context, name Key, parentID, traceID string, acc *accumulator, flush bool, md Metadata) (context.Context, *ActiveSpan) {
	start := t.clock.Now()
	span := &Span{
		Name:         name,
		StartTime:    start,
		TraceID:      traceID,
		SpanID:       t.ids.spanID(),
		ParentSpanID: parentID,
	}

	active := &ActiveSpan{
		start:  start,
		tracer: t,
		acc:    acc,
		span:   span,
		meta:   md.clone(),
		flush:  flush,
	}

	newCtx := context.WithValue(ctx, activeKey, &activeContext{
		acc:     acc,
		traceID: traceID,
		spanID:  span.SpanID,
	})
	return newCtx, active
}

// complete records a finished span. Roots seal their list and fan out.
func (t *Tracer) complete(acc *accumulator, span Span, flush bool) {
	if !flush {
		if !acc.add(span) {
			t.lateSpans.Add(1)
			t.logger.WithFields(logrus.Fields{
				"trace_id": span.TraceID,
				"span_id":  span.SpanID,
				"name":     span.Name,
			}).Debug("span finished after its trace root, dropped")
		}
		return
	}

	t.deliver(acc.seal(span))
}

// Trace runs fn inside a new trace. The root span is always finished, even
// if fn panics. An error returned by fn is recorded and returned unchanged; a
// panic is recorded and re-raised. If fn returns nil after ctx was cancelled,
// the cancellation is recorded on the span.
func (t *Tracer) Trace(ctx context.Context, name Key, md Metadata, fn func(context.Context, *ActiveSpan) error) error {
	ctx, span := t.StartTrace(ctx, name, md)
	return run(ctx, span, fn)
}

// Span runs fn inside a child of the active span in ctx, with the same
// cleanup guarantees as Trace.
func (t *Tracer) Span(ctx context.Context, name Key, md Metadata, fn func(context.Context, *ActiveSpan) error) error {
	ctx, span := t.StartSpan(ctx, name, md)
	return run(ctx, span, fn)
}

// run executes fn and closes span on every exit path.
func run(ctx context.Context, span *ActiveSpan, fn func(context.Context, *ActiveSpan) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			span.SetTag(ErrorTag, fmt.Sprintf("panic: %v", r))
			span.Finish()
			panic(r)
		}
		if err == nil && ctx.Err() != nil {
			span.SetError(context.Cause(ctx))
		}
		span.End(err)
	}()

	return fn(ctx, span)
}
