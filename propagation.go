package pocketz

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CarrierKey is the single key written by Export.
const CarrierKey = "_trace"

// carrierSep separates trace and span ids in the carrier value.
const carrierSep = ","

// Propagation errors returned by ParseCarrier.
var (
	ErrNoParent         = errors.New("carrier has no trace")
	ErrMalformedCarrier = errors.New("malformed trace carrier")
)

// Carrier is the flat key-value form of an active span, suitable for
// message headers or any other string map that crosses a boundary.
type Carrier map[string]string

// Get returns the value for key, or "".
func (c Carrier) Get(key string) string {
	return c[key]
}

// Set stores a value.
func (c Carrier) Set(key, value string) {
	c[key] = value
}

// Inject returns the carrier for the active span in ctx. The carrier is
// empty when no span is active.
func Inject(ctx context.Context) Carrier {
	active := fromContext(ctx)
	if active == nil {
		return Carrier{}
	}
	return Carrier{CarrierKey: active.traceID + carrierSep + active.spanID}
}

// ParseCarrier extracts the parent identity from a carrier.
func ParseCarrier(carrier map[string]string) (SpanContext, error) {
	value, ok := carrier[CarrierKey]
	if !ok {
		return SpanContext{}, ErrNoParent
	}

	parts := strings.Split(value, carrierSep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return SpanContext{}, errors.Wrapf(ErrMalformedCarrier, "%s=%q", CarrierKey, value)
	}
	return SpanContext{TraceID: parts[0], SpanID: parts[1]}, nil
}

// Export returns the carrier for the active span in ctx.
func (t *Tracer) Export(ctx context.Context) Carrier {
	return Inject(ctx)
}

// Import opens a span parented to the span described by carrier, typically
// on the far side of a process or queue boundary. The imported span starts
// its own local span list, delivered to receivers when it finishes; the
// origin's list is never shared. Receivers must join the two by trace id.
//
// A carrier without a trace, or with a malformed one, yields a
// non-recording span.
func (t *Tracer) Import(ctx context.Context, name Key, carrier map[string]string, md Metadata) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	parent, err := ParseCarrier(carrier)
	if err != nil {
		if !errors.Is(err, ErrNoParent) {
			t.logger.WithError(err).WithFields(logrus.Fields{"name": name}).Debug("ignoring trace carrier")
		}
		return ctx, noopSpan
	}

	return t.open(ctx, name, parent.SpanID, parent.TraceID, &accumulator{}, true, md)
}
