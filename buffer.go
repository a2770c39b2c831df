package pocketz

import (
	"sync"
	"sync/atomic"
)

// Buffer holds finished spans awaiting export, up to a fixed capacity.
// Safe for concurrent use by multiple goroutines.
//
// Spans that arrive while the buffer is full are dropped, never queued and
// never blocked on; DroppedCount reports how many.
type Buffer struct {
	spans    []Span
	capacity int
	dropped  atomic.Int64
	mu       sync.Mutex
}

// NewBuffer creates a buffer. A capacity <= 0 means DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		spans:    make([]Span, 0, min(capacity, 8)), // Start with small capacity.
		capacity: capacity,
	}
}

// Append buffers spans in order while there is room and returns how many
// were accepted. The rest are dropped.
func (b *Buffer) Append(spans []Span) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.capacity - len(b.spans)
	if room < 0 {
		room = 0
	}
	accepted := min(room, len(spans))
	for i := 0; i < accepted; i++ {
		// Deep copy to prevent modifications after buffering.
		b.spans = append(b.spans, spans[i].clone())
	}
	if dropped := len(spans) - accepted; dropped > 0 {
		b.dropped.Add(int64(dropped))
	}
	return accepted
}

// Drain swaps the buffer for an empty one and returns what it held, or nil.
// The caller owns the returned slice.
func (b *Buffer) Drain() []Span {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.spans) == 0 {
		return nil
	}

	drained := b.spans
	// Size the next buffer after this cycle's load to avoid regrowing.
	b.spans = make([]Span, 0, min(len(drained), b.capacity))
	return drained
}

// Len returns the current number of buffered spans.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}

// Capacity returns the maximum number of buffered spans.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// DroppedCount returns the total number of spans dropped because the buffer
// was full.
func (b *Buffer) DroppedCount() int64 {
	return b.dropped.Load()
}

// Reset clears all buffered spans and resets the drop counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spans = b.spans[:0]
	b.dropped.Store(0)
}
