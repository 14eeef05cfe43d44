// Package metrics exposes the indexer's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the indexer collectors on a private registry. It implements
// ingestor.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived prometheus.Counter
	decodeFailures   *prometheus.CounterVec
	documentsSent    prometheus.Counter
	submissionFailed prometheus.Counter
	documentsIndexed prometheus.Counter
	writeFailures    *prometheus.CounterVec
	acknowledged     prometheus.Counter
	ackFailures      prometheus.Counter
	deadLettered     prometheus.Counter
	cycleDuration    prometheus.Histogram
	batchSize        prometheus.Histogram
}

// NewMetrics creates the collectors under namespace and registers them,
// together with the Go and process collectors, on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the queue",
		}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Messages that could not be decoded, by kind",
		}, []string{"kind"}),
		documentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_submitted_total",
			Help:      "Documents sent in bulk requests",
		}),
		submissionFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_submission_failures_total",
			Help:      "Bulk requests that failed as a whole",
		}),
		documentsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Documents created in the index",
		}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Per-document write failures, by reason",
		}, []string{"reason"}),
		acknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acknowledged_total",
			Help:      "Messages removed from the queue",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledge_failures_total",
			Help:      "Messages whose acknowledgement failed",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Messages archived after too many deliveries",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one receive, index and acknowledge cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_documents",
			Help:      "Documents per bulk request",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
	}

	registry.MustRegister(
		m.messagesReceived,
		m.decodeFailures,
		m.documentsSent,
		m.submissionFailed,
		m.documentsIndexed,
		m.writeFailures,
		m.acknowledged,
		m.ackFailures,
		m.deadLettered,
		m.cycleDuration,
		m.batchSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessagesReceived(n int) { m.messagesReceived.Add(float64(n)) }

func (m *Metrics) DecodeFailed(kind string) { m.decodeFailures.WithLabelValues(kind).Inc() }

func (m *Metrics) BatchSubmitted(docs int) {
	m.documentsSent.Add(float64(docs))
	m.batchSize.Observe(float64(docs))
}

func (m *Metrics) SubmissionFailed() { m.submissionFailed.Inc() }

func (m *Metrics) DocumentsIndexed(n int) { m.documentsIndexed.Add(float64(n)) }

func (m *Metrics) WriteFailed(reason string) { m.writeFailures.WithLabelValues(reason).Inc() }

func (m *Metrics) Acknowledged(n int) { m.acknowledged.Add(float64(n)) }

func (m *Metrics) AckFailed(n int) { m.ackFailures.Add(float64(n)) }

func (m *Metrics) DeadLettered(n int) { m.deadLettered.Add(float64(n)) }

func (m *Metrics) CycleCompleted(d time.Duration) { m.cycleDuration.Observe(d.Seconds()) }
