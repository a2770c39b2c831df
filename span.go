package pocketz

import (
	"context"
	"sync"
	"time"
)

// activeKeyType is a private type for context keys to avoid collisions.
type activeKeyType string

const (
	activeKey activeKeyType = "pocketz"
)

// Span represents a single finished unit of work in a trace.
// Spans delivered to receivers are copies; receivers may keep or modify them.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Metadata     Metadata      `json:"metadata,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	TraceID      string        `json:"trace_id"`
	SpanID       string        `json:"span_id"`
	ParentSpanID string        `json:"parent_span_id,omitempty"`
	Name         string        `json:"name"`
}

// DurationMs returns the span duration in fractional milliseconds.
func (s Span) DurationMs() float64 {
	return float64(s.Duration) / float64(time.Millisecond)
}

// EndTime returns StartTime plus Duration.
func (s Span) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

// IsRoot reports whether the span has no parent at all.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// Err returns the recorded failure text, if any.
func (s Span) Err() (string, bool) {
	v, ok := s.Metadata[ErrorTag]
	return v, ok
}

// Context returns the span's identity.
func (s Span) Context() SpanContext {
	return SpanContext{TraceID: s.TraceID, SpanID: s.SpanID}
}

// Reserved upload field names. Tracer default metadata may not use them.
const (
	FieldName     = "name"
	FieldTime     = "time"
	FieldDuration = "duration_ms"
	FieldTraceID  = "trace.trace_id"
	FieldSpanID   = "trace.span_id"
	FieldParentID = "trace.parent_id"
)

var reservedFields = []string{FieldName, FieldTime, FieldDuration, FieldTraceID, FieldSpanID, FieldParentID}

// Fields flattens the span into a single record: the fixed fields first,
// then metadata. Metadata set by the caller wins over fixed fields.
func (s Span) Fields() map[string]any {
	out := make(map[string]any, len(s.Metadata)+6)
	out[FieldName] = s.Name
	out[FieldTime] = float64(s.StartTime.UnixNano()) / 1e9
	out[FieldDuration] = s.DurationMs()
	out[FieldTraceID] = s.TraceID
	out[FieldSpanID] = s.SpanID
	if s.ParentSpanID != "" {
		out[FieldParentID] = s.ParentSpanID
	}
	for k, v := range s.Metadata {
		out[k] = v
	}
	return out
}

// clone returns a deep copy of the span.
func (s Span) clone() Span {
	out := s
	if s.Metadata != nil {
		out.Metadata = s.Metadata.clone()
	}
	return out
}

// cloneSpans deep copies a span list.
func cloneSpans(spans []Span) []Span {
	out := make([]Span, len(spans))
	for i := range spans {
		out[i] = spans[i].clone()
	}
	return out
}

// SpanContext identifies a span across flows or processes.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// IsValid reports whether both ids are set.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID != "" && sc.SpanID != ""
}

// accumulator collects the finished spans of one trace (or one imported
// fragment of a trace) until the root closes. Sibling spans on different
// goroutines share it, hence the lock.
type accumulator struct {
	spans  []Span
	mu     sync.Mutex
	sealed bool
}

// add appends a finished span. Returns false if the root already closed.
func (a *accumulator) add(span Span) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return false
	}
	a.spans = append(a.spans, span)
	return true
}

// seal appends the root span and returns the completed list. No further
// spans are accepted.
func (a *accumulator) seal(root Span) []Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spans = append(a.spans, root)
	a.sealed = true
	spans := a.spans
	a.spans = nil
	return spans
}

// activeContext is the flow-local record of the current span.
type activeContext struct {
	acc     *accumulator
	traceID string
	spanID  string
}

// fromContext returns the active context, or nil.
func fromContext(ctx context.Context) *activeContext {
	if ctx == nil {
		return nil
	}
	if active, ok := ctx.Value(activeKey).(*activeContext); ok {
		return active
	}
	return nil
}

// SpanFromContext returns the identity of the active span in ctx.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	active := fromContext(ctx)
	if active == nil {
		return SpanContext{}, false
	}
	return SpanContext{TraceID: active.traceID, SpanID: active.spanID}, true
}

// ActiveSpan is the scope handle of an open span. Finish or End must be
// called exactly once on every path; later calls are no-ops.
// Safe for concurrent use by multiple goroutines.
//
// An ActiveSpan returned for an unsampled trace, or for a span with no
// parent, records nothing: tag writes are ignored and ids are empty.
type ActiveSpan struct {
	start    time.Time
	tracer   *Tracer
	acc      *accumulator
	span     *Span
	meta     Metadata
	mu       sync.Mutex // Protects meta and finished.
	flush    bool       // Delivers the accumulator on finish.
	finished bool
}

// noopSpan is shared by every non-recording scope.
var noopSpan = &ActiveSpan{}

// IsRecording reports whether the span will be delivered to receivers.
func (a *ActiveSpan) IsRecording() bool {
	return a != nil && a.span != nil
}

// SetTag adds a metadata key-value pair to the span.
// No-op if the span is finished or not recording.
func (a *ActiveSpan) SetTag(key Tag, value string) {
	if !a.IsRecording() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	a.meta[key] = value
}

// GetTag retrieves a metadata value by key.
func (a *ActiveSpan) GetTag(key Tag) (string, bool) {
	if !a.IsRecording() {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	value, ok := a.meta[key]
	return value, ok
}

// SetError records err under the "error" tag. Nil errors are ignored.
func (a *ActiveSpan) SetError(err error) {
	if err == nil {
		return
	}
	a.SetTag(ErrorTag, err.Error())
}

// End records err, if any, finishes the span and returns err unchanged:
//
//	defer func() { err = span.End(err) }()
func (a *ActiveSpan) End(err error) error {
	a.SetError(err)
	a.Finish()
	return err
}

// Finish completes the span. If the span opened its trace, the full span
// list is handed to the tracer's receivers before Finish returns.
func (a *ActiveSpan) Finish() {
	if !a.IsRecording() {
		return
	}

	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true

	span := *a.span
	span.Duration = a.tracer.clock.Since(a.start)
	if span.Duration < 0 {
		span.Duration = 0
	}
	span.Metadata = a.tracer.config.Metadata.clone()
	for k, v := range a.meta {
		span.Metadata[k] = v
	}
	a.mu.Unlock()

	a.tracer.complete(a.acc, span, a.flush)
}

// TraceID returns the trace ID of this span, or "" if not recording.
func (a *ActiveSpan) TraceID() string {
	if !a.IsRecording() {
		return ""
	}
	return a.span.TraceID
}

// SpanID returns the span ID of this span, or "" if not recording.
func (a *ActiveSpan) SpanID() string {
	if !a.IsRecording() {
		return ""
	}
	return a.span.SpanID
}

// ParentSpanID returns the parent span ID, or "" for roots.
func (a *ActiveSpan) ParentSpanID() string {
	if !a.IsRecording() {
		return ""
	}
	return a.span.ParentSpanID
}

// SpanContext returns this span's identity.
func (a *ActiveSpan) SpanContext() SpanContext {
	return SpanContext{TraceID: a.TraceID(), SpanID: a.SpanID()}
}

// Context returns parent with this span installed as the active span.
// Use it to hand the span to work started from an unrelated context.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	if !a.IsRecording() {
		return parent
	}
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, activeKey, &activeContext{
		acc:     a.acc,
		traceID: a.span.TraceID,
		spanID:  a.span.SpanID,
	})
}
