package pocketz

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"

	"github.com/zoobzio/clockz"
)

// idGenerator mints trace and span ids from a per-tracer prefix and two
// monotonically increasing counters.
type idGenerator struct {
	prefix    string
	traceSeq  atomic.Uint64
	spanSeq   atomic.Uint64
	spanInfix string
}

func newIDGenerator(prefix string) *idGenerator {
	return &idGenerator{
		prefix:    prefix,
		spanInfix: prefix + ":span:",
	}
}

// traceID returns prefix:N.
func (g *idGenerator) traceID() string {
	n := g.traceSeq.Add(1) - 1
	return g.prefix + ":" + strconv.FormatUint(n, 10)
}

// spanID returns prefix:span:N.
func (g *idGenerator) spanID() string {
	n := g.spanSeq.Add(1) - 1
	return g.spanInfix + strconv.FormatUint(n, 10)
}

// randomPrefix returns 16 hex characters from crypto/rand.
func randomPrefix(clock clockz.Clock) string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to time-based prefix if crypto/rand fails.
		return strconv.FormatInt(clock.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(bytes)
}
