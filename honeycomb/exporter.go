// Package honeycomb uploads completed traces to the Honeycomb batch API.
//
// An Exporter registers itself as a receiver on a tracer, buffers delivered
// spans up to a fixed capacity and uploads them from a background loop:
//
//	exp, err := honeycomb.New(tracer, honeycomb.Config{APIKey: key, Dataset: "api"})
//	if err != nil {
//		return err
//	}
//	go func() { _ = exp.Run(ctx) }()
//
// Spans that arrive while the buffer is full are dropped. A failed upload
// stops Run unless Config.ContinueOnError is set; there is no retry.
package honeycomb

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/pocketz"
)

// Defaults for Config.
const (
	DefaultURL      = "https://api.honeycomb.io"
	DefaultInterval = 5 * time.Second
)

// TeamHeader carries the API key.
const TeamHeader = "X-Honeycomb-Team"

var (
	// ErrUnexpectedStatus is returned when the API answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected batch response status")
	// ErrNoDataset is returned by New when Config.Dataset is empty.
	ErrNoDataset = errors.New("honeycomb dataset is required")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config configures an Exporter.
type Config struct {
	APIKey  string
	Dataset string
	// URL is the API base. Defaults to DefaultURL.
	URL string
	// Interval between upload cycles. Defaults to DefaultInterval.
	Interval time.Duration
	// Capacity bounds the buffer. Zero uses the tracer's BufferCapacity.
	Capacity int
	// ContinueOnError logs and drops a failed batch instead of stopping Run.
	ContinueOnError bool
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithTransport replaces the HTTP transport.
func WithTransport(transport Transport) Option {
	return func(e *Exporter) {
		e.transport = transport
	}
}

// WithClock replaces the clock used between upload cycles.
func WithClock(clock clockz.Clock) Option {
	return func(e *Exporter) {
		e.clock = clock
	}
}

// WithLogger replaces the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithRegisterer registers the exporter's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Exporter) {
		e.registerer = reg
	}
}

// Exporter buffers spans and uploads them in batches.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for readability over memory
type Exporter struct {
	buffer          *pocketz.Buffer
	tracer          *pocketz.Tracer
	transport       Transport
	clock           clockz.Clock
	logger          logrus.FieldLogger
	registerer      prometheus.Registerer
	metrics         *Metrics
	endpoint        string
	headers         map[string]string
	interval        time.Duration
	receiverID      uint64
	continueOnError bool
}

// New creates an exporter and registers it as a receiver on tracer.
func New(tracer *pocketz.Tracer, cfg Config, opts ...Option) (*Exporter, error) {
	if cfg.Dataset == "" {
		return nil, ErrNoDataset
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = tracer.Config().BufferCapacity
	}

	e := &Exporter{
		buffer:    pocketz.NewBuffer(cfg.Capacity),
		tracer:    tracer,
		transport: NewHTTPTransport(nil),
		clock:     tracer.Clock(),
		logger:    tracer.Logger(),
		endpoint:  strings.TrimRight(cfg.URL, "/") + "/1/batch/" + url.PathEscape(cfg.Dataset),
		headers: map[string]string{
			TeamHeader:     cfg.APIKey,
			"Content-Type": "application/json",
		},
		interval:        cfg.Interval,
		continueOnError: cfg.ContinueOnError,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.WithFields(logrus.Fields{"exporter": "honeycomb", "dataset": cfg.Dataset})
	e.metrics = NewMetrics(e.registerer, cfg.Dataset)
	e.receiverID = tracer.AddReceiver(e)
	return e, nil
}

// Receive buffers spans while there is room. Excess spans are dropped.
func (e *Exporter) Receive(spans []pocketz.Span) error {
	accepted := e.buffer.Append(spans)

	e.metrics.spansReceived.Add(float64(len(spans)))
	if dropped := len(spans) - accepted; dropped > 0 {
		e.metrics.spansDropped.Add(float64(dropped))
		e.logger.WithField("dropped", dropped).Debug("buffer full, dropping spans")
	}
	e.metrics.bufferLength.Set(float64(e.buffer.Len()))
	return nil
}

// Run uploads buffered spans until ctx is cancelled or an upload fails.
// Each cycle drains the buffer until it is empty, then waits one interval.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		if err := e.drain(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.interval):
		}
	}
}

// drain flushes until the buffer comes back empty.
func (e *Exporter) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sent, err := e.Flush(ctx)
		if err != nil {
			if !e.continueOnError {
				return err
			}
			e.logger.WithError(err).WithField("spans", sent).Error("dropping batch after failed upload")
		}
		if sent == 0 {
			return nil
		}
	}
}

// Flush swaps out the buffer and uploads it as one batch. It returns the
// number of spans in the batch; on error those spans are lost.
func (e *Exporter) Flush(ctx context.Context) (int, error) {
	batch := e.buffer.Drain()
	e.metrics.bufferLength.Set(float64(e.buffer.Len()))
	if len(batch) == 0 {
		return 0, nil
	}

	body, err := EncodeBatch(batch)
	if err != nil {
		e.metrics.batchFailures.Inc()
		return len(batch), err
	}

	if err := e.post(ctx, body); err != nil {
		e.metrics.batchFailures.Inc()
		return len(batch), errors.Wrapf(err, "uploading %d spans", len(batch))
	}

	e.metrics.batchesSent.Inc()
	e.metrics.spansExported.Add(float64(len(batch)))
	e.logger.WithField("spans", len(batch)).Debug("uploaded batch")
	return len(batch), nil
}

func (e *Exporter) post(ctx context.Context, body []byte) error {
	resp, err := e.transport.Post(ctx, e.endpoint, body, e.headers)
	if err != nil {
		return errors.Wrapf(err, "POST %s", e.endpoint)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return errors.Wrapf(ErrUnexpectedStatus, "POST %s: %s", e.endpoint, resp.Status)
	}
	return nil
}

// Close stops receiving spans. Spans already buffered stay until flushed.
func (e *Exporter) Close() {
	e.tracer.RemoveReceiver(e.receiverID)
}

// Buffer exposes the exporter's span buffer for inspection.
func (e *Exporter) Buffer() *pocketz.Buffer {
	return e.buffer
}

// Endpoint returns the batch URL.
func (e *Exporter) Endpoint() string {
	return e.endpoint
}

// event is one element of the batch payload.
type event struct {
	Data map[string]any `json:"data"`
	Time string         `json:"time"`
}

// EncodeBatch renders spans as a batch payload. Each span's start time moves
// out of its fields into "time", as unix seconds in string form.
func EncodeBatch(spans []pocketz.Span) ([]byte, error) {
	events := make([]event, len(spans))
	for i, span := range spans {
		fields := span.Fields()
		delete(fields, pocketz.FieldTime)
		seconds := float64(span.StartTime.UnixNano()) / 1e9
		events[i] = event{
			Data: fields,
			Time: strconv.FormatFloat(seconds, 'f', -1, 64),
		}
	}

	body, err := json.Marshal(events)
	if err != nil {
		return nil, errors.Wrap(err, "encoding batch")
	}
	return body, nil
}
