package integration

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/pocketz"
	"github.com/zoobzio/pocketz/honeycomb"
	"github.com/zoobzio/pocketz/jsonlog"
	"github.com/zoobzio/pocketz/waterfall"
)

// collector stands in for the batch API.
type collector struct {
	mu     sync.Mutex
	events []map[string]any
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch []map[string]any
	if err := jsoniter.Unmarshal(raw, &batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, batch...)
	c.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// TestAllReceivers wires every receiver to one tracer and checks each sees
// the same traces.
func TestAllReceivers(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tracer := pocketz.New(pocketz.Config{
		TracePrefix: "pipe",
		Metadata:    pocketz.Metadata{"service": "checkout"},
	}).WithLogger(logger)

	var logs, chart bytes.Buffer
	tracer.AddReceiver(jsonlog.New(&logs, jsonlog.Config{ServiceName: "checkout"}))
	no := false
	tracer.AddReceiver(waterfall.New(&chart, waterfall.Config{Color: &no, ExcludeKeys: waterfall.ExcludeDefaults(tracer)}))

	api := &collector{}
	server := httptest.NewServer(api)
	defer server.Close()

	reg := prometheus.NewRegistry()
	exp, err := honeycomb.New(tracer, honeycomb.Config{
		APIKey:   "key",
		Dataset:  "checkout",
		URL:      server.URL,
		Interval: 10 * time.Millisecond,
	}, honeycomb.WithLogger(logger), honeycomb.WithRegisterer(reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exp.Run(ctx) }()

	for i := 0; i < 3; i++ {
		err := tracer.Trace(context.Background(), "checkout", pocketz.Metadata{"cart": "c1"}, func(ctx context.Context, _ *pocketz.ActiveSpan) error {
			if err := tracer.Span(ctx, "reserve", nil, func(context.Context, *pocketz.ActiveSpan) error { return nil }); err != nil {
				return err
			}
			return tracer.Span(ctx, "charge", pocketz.Metadata{"amount": "12.50"}, func(context.Context, *pocketz.ActiveSpan) error { return nil })
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return api.count() == 9 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// JSON log: nine records, each with the trace group.
	var records int
	scanner := bufio.NewScanner(&logs)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, jsoniter.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "checkout", rec["traceGroup"])
		assert.Equal(t, "checkout", rec["service"])
		records++
	}
	assert.Equal(t, 9, records)

	// Waterfall: three charts, parents first, tracer defaults hidden.
	out := chart.String()
	assert.Equal(t, 3, strings.Count(out, "trace pipe:"))
	assert.Equal(t, 3, strings.Count(out, "\n  charge "))
	assert.NotContains(t, out, "service=checkout")
	assert.Contains(t, out, "amount=12.50")

	// Batch API: every span once, time lifted out of data.
	api.mu.Lock()
	for _, e := range api.events {
		data := e["data"].(map[string]any)
		assert.NotContains(t, data, "time")
		assert.Equal(t, "checkout", data["service"])
		assert.IsType(t, "", e["time"])
	}
	api.mu.Unlock()

	expected := `
# HELP pocketz_honeycomb_spans_exported_total Total number of spans uploaded successfully
# TYPE pocketz_honeycomb_spans_exported_total counter
pocketz_honeycomb_spans_exported_total{dataset="checkout"} 9
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pocketz_honeycomb_spans_exported_total"))

	for _, entry := range hook.AllEntries() {
		assert.True(t, entry.Level > logrus.ErrorLevel, "unexpected error log: %s", entry.Message)
	}
}
