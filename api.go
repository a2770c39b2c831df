// Package pocketz provides a small, in-process tracing engine.
//
// pocketz builds hierarchical traces out of nested spans, keeps track of the
// active span for each logical flow through context.Context, and hands every
// completed trace to a list of receivers in one piece. It deliberately avoids
// the weight of a standardized tracing protocol: propagation is a single
// string pair and receivers see plain Span values.
//
// Core Components:
//   - Tracer: Owns configuration, identity generation, sampling and receivers.
//   - Span: An immutable record of one finished unit of work.
//   - ActiveSpan: Scope handle for an open span. Always Finish it.
//   - Receiver: Gets the full span list of a trace when its root closes.
//   - Buffer: Bounded span buffer used by batch exporters.
//
// Basic Usage:
//
//	tracer := pocketz.New(pocketz.Config{Metadata: pocketz.Metadata{"service": "api"}})
//	tracer.AddReceiver(waterfall.New(os.Stdout, waterfall.Config{}))
//
//	ctx, root := tracer.StartTrace(ctx, "request", nil)
//	defer root.Finish()
//
//	ctx, span := tracer.StartSpan(ctx, "db_query", pocketz.Metadata{"table": "users"})
//	err := query(ctx)
//	span.End(err)
//
// Or, with guaranteed cleanup and error recording:
//
//	err := tracer.Trace(ctx, "request", nil, func(ctx context.Context, span *pocketz.ActiveSpan) error {
//		return tracer.Span(ctx, "db_query", nil, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
//			return query(ctx)
//		})
//	})
//
// Context Propagation:
//
// The active span travels in context.Context. Hand the derived context to
// goroutines to parent their spans; a flow never observes a span it was not
// given. To cross a process or queue boundary, write Tracer.Export into the
// message headers and open the remote side with Tracer.Import.
//
// Sampling:
//
// Sampling is decided once per trace at StartTrace. Spans inside an unsampled
// trace find no active context and record nothing.
//
// Thread Safety:
//
// Tracer is safe for concurrent use. ActiveSpan tag operations are safe for
// concurrent use. Sibling spans may be opened and closed from many goroutines
// under the same root; the root must be finished last for them to be
// delivered.
package pocketz

// Key represents a span operation name.
type Key = string

// Tag represents a span metadata key.
type Tag = string

// Metadata holds string-valued span metadata.
type Metadata map[Tag]string

// Well-known metadata keys.
const (
	// ErrorTag holds the textual form of a failure raised inside a span.
	ErrorTag Tag = "error"
)

// clone returns a copy of m that is never nil.
func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
