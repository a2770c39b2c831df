package honeycomb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for one exporter.
type Metrics struct {
	// Buffer intake
	spansReceived prometheus.Counter
	spansDropped  prometheus.Counter
	bufferLength  prometheus.Gauge

	// Uploads
	spansExported prometheus.Counter
	batchesSent   prometheus.Counter
	batchFailures prometheus.Counter
}

// NewMetrics creates exporter metrics labelled with the dataset and
// registers them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, dataset string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"dataset": dataset}

	return &Metrics{
		spansReceived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pocketz_honeycomb_spans_received_total",
			Help:        "Total number of spans handed to the exporter",
			ConstLabels: labels,
		}),
		spansDropped: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pocketz_honeycomb_spans_dropped_total",
			Help:        "Total number of spans dropped because the buffer was full",
			ConstLabels: labels,
		}),
		bufferLength: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pocketz_honeycomb_buffer_spans",
			Help:        "Number of spans waiting for upload",
			ConstLabels: labels,
		}),
		spansExported: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pocketz_honeycomb_spans_exported_total",
			Help:        "Total number of spans uploaded successfully",
			ConstLabels: labels,
		}),
		batchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pocketz_honeycomb_batches_sent_total",
			Help:        "Total number of batches uploaded successfully",
			ConstLabels: labels,
		}),
		batchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pocketz_honeycomb_batch_failures_total",
			Help:        "Total number of batch uploads that failed",
			ConstLabels: labels,
		}),
	}
}
