// Package jsonlog writes completed traces as structured log lines, one JSON
// object per span.
//
// Records carry a fixed schema followed by the span's own metadata:
//
//	{"logger":"pocketz","traceId":"…","spanId":"…","name":"db_query",
//	 "startTime":"2024-01-01T12:00:00.000000Z","endTime":"…",
//	 "serviceName":"api","durationInNanos":1500000,"parentSpanId":"…",
//	 "table":"users"}
//
// When the delivered list ends with its group root, every record also gets
// "traceGroup" (the root's name) and "traceGroupFields" with the root's end
// time and duration, so log pipelines can reassemble the whole trace.
package jsonlog

import (
	"io"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/zoobzio/pocketz"
)

// TimeFormat renders timestamps in UTC with microsecond precision.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// DefaultLogger is the logger tag used when Config.Logger is empty.
const DefaultLogger = "pocketz"

// Record field names.
const (
	FieldLogger           = "logger"
	FieldTraceID          = "traceId"
	FieldSpanID           = "spanId"
	FieldName             = "name"
	FieldStartTime        = "startTime"
	FieldEndTime          = "endTime"
	FieldServiceName      = "serviceName"
	FieldDuration         = "durationInNanos"
	FieldParentSpanID     = "parentSpanId"
	FieldTraceGroup       = "traceGroup"
	FieldTraceGroupFields = "traceGroupFields"
)

var schema = map[string]struct{}{
	FieldLogger:           {},
	FieldTraceID:          {},
	FieldSpanID:           {},
	FieldName:             {},
	FieldStartTime:        {},
	FieldEndTime:          {},
	FieldServiceName:      {},
	FieldDuration:         {},
	FieldParentSpanID:     {},
	FieldTraceGroup:       {},
	FieldTraceGroupFields: {},
}

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures an Encoder.
type Config struct {
	// Logger is written to every record's "logger" field.
	Logger string `yaml:"logger"`
	// ServiceName is written to every record's "serviceName" field.
	ServiceName string `yaml:"service_name"`
}

// Encoder is a receiver that writes span lists as JSON lines.
// Safe for concurrent use; each list is written as one contiguous block.
type Encoder struct {
	w       io.Writer
	config  Config
	mu      sync.Mutex
	written int64
}

// New creates an encoder writing to w.
func New(w io.Writer, cfg Config) *Encoder {
	if cfg.Logger == "" {
		cfg.Logger = DefaultLogger
	}
	return &Encoder{w: w, config: cfg}
}

// group summarizes the root of a flushed trace.
type group struct {
	root pocketz.Span
	ok   bool
}

// groupOf finds the list's group root. The group is only reported when the
// root is the last span, meaning the list is the trace's final flush.
func groupOf(spans []pocketz.Span) group {
	if len(spans) == 0 {
		return group{}
	}

	ids := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		ids[s.SpanID] = struct{}{}
	}

	last := spans[len(spans)-1]
	if last.ParentSpanID == "" {
		return group{root: last, ok: true}
	}
	if _, found := ids[last.ParentSpanID]; !found {
		return group{root: last, ok: true}
	}
	return group{}
}

// Receive writes one line per span.
func (e *Encoder) Receive(spans []pocketz.Span) error {
	g := groupOf(spans)

	e.mu.Lock()
	defer e.mu.Unlock()

	stream := api.BorrowStream(e.w)
	defer api.ReturnStream(stream)

	for i := range spans {
		writeRecord(stream, e.config, &spans[i], g)
		stream.WriteRaw("\n")
	}
	if stream.Error != nil {
		return errors.Wrap(stream.Error, "encoding spans")
	}
	if err := stream.Flush(); err != nil {
		return errors.Wrap(err, "writing spans")
	}
	e.written += int64(len(spans))
	return nil
}

// Written returns the number of records written so far.
func (e *Encoder) Written() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}

func writeRecord(stream *jsoniter.Stream, cfg Config, span *pocketz.Span, g group) {
	stream.WriteObjectStart()

	writeString(stream, FieldLogger, cfg.Logger)
	stream.WriteMore()
	writeString(stream, FieldTraceID, span.TraceID)
	stream.WriteMore()
	writeString(stream, FieldSpanID, span.SpanID)
	stream.WriteMore()
	writeString(stream, FieldName, span.Name)
	stream.WriteMore()
	writeString(stream, FieldStartTime, span.StartTime.UTC().Format(TimeFormat))
	stream.WriteMore()
	writeString(stream, FieldEndTime, span.EndTime().UTC().Format(TimeFormat))
	stream.WriteMore()
	writeString(stream, FieldServiceName, cfg.ServiceName)
	stream.WriteMore()
	stream.WriteObjectField(FieldDuration)
	stream.WriteInt64(span.Duration.Nanoseconds())
	stream.WriteMore()
	writeString(stream, FieldParentSpanID, span.ParentSpanID)

	keys := make([]string, 0, len(span.Metadata))
	for k := range span.Metadata {
		if _, reserved := schema[k]; !reserved {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		stream.WriteMore()
		writeString(stream, k, span.Metadata[k])
	}

	if g.ok {
		stream.WriteMore()
		writeString(stream, FieldTraceGroup, g.root.Name)
		stream.WriteMore()
		stream.WriteObjectField(FieldTraceGroupFields)
		stream.WriteObjectStart()
		writeString(stream, FieldEndTime, g.root.EndTime().UTC().Format(TimeFormat))
		stream.WriteMore()
		stream.WriteObjectField(FieldDuration)
		stream.WriteInt64(g.root.Duration.Nanoseconds())
		stream.WriteObjectEnd()
	}

	stream.WriteObjectEnd()
}

func writeString(stream *jsoniter.Stream, field, value string) {
	stream.WriteObjectField(field)
	stream.WriteString(value)
}
