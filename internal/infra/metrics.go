package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickstream"

// Drop reasons counted by the normalizer.
const (
	DropMalformed = "malformed"
	DropUnmapped  = "unmapped"
	DropThrottled = "throttled"
	DropFailed    = "failed"
)

// Metrics groups the pipeline's Prometheus collectors. All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ticksIngested *prometheus.CounterVec
	ingestErrors  *prometheus.CounterVec
	reconnects    *prometheus.CounterVec

	normDropped *prometheus.CounterVec
	normEmitted prometheus.Counter

	writerRows     prometheus.Counter
	writerFailures prometheus.Counter
	writerLatency  prometheus.Histogram

	gatewayConns   prometheus.Gauge
	gatewayBatches prometheus.Counter
	gatewayTicks   prometheus.Counter

	logErrors *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. A nil reg gets a fresh private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ticksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "ticks_total",
			Help:      "Raw ticks appended to the raw topic",
		}, []string{"exchange"}),
		ingestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "errors_total",
			Help:      "Adapter failures by kind",
		}, []string{"exchange", "kind"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reconnects_total",
			Help:      "Websocket reconnect attempts",
		}, []string{"exchange"}),
		normDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "dropped_total",
			Help:      "Raw ticks acknowledged without emitting",
		}, []string{"reason"}),
		normEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "emitted_total",
			Help:      "Normalized ticks appended to the normalized topic",
		}),
		writerRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_total",
			Help:      "Rows inserted into the ticks table",
		}),
		writerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "failures_total",
			Help:      "Failed batch inserts",
		}),
		writerLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "insert_duration_seconds",
			Help:      "Duration of batch inserts",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		gatewayConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open subscriber connections",
		}),
		gatewayBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "batches_total",
			Help:      "Batches pushed to subscribers",
		}),
		gatewayTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "ticks_total",
			Help:      "Ticks pushed to subscribers",
		}),
		logErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventlog",
			Name:      "errors_total",
			Help:      "Event log transport errors by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordIngested(exchange string, n int) {
	m.ticksIngested.WithLabelValues(exchange).Add(float64(n))
}

func (m *Metrics) RecordIngestError(exchange, kind string) {
	m.ingestErrors.WithLabelValues(exchange, kind).Inc()
}

func (m *Metrics) RecordReconnect(exchange string) {
	m.reconnects.WithLabelValues(exchange).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	m.normDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEmitted() {
	m.normEmitted.Inc()
}

// RecordWrite records a successful insert of rows.
func (m *Metrics) RecordWrite(rows int, took time.Duration) {
	m.writerRows.Add(float64(rows))
	m.writerLatency.Observe(took.Seconds())
}

func (m *Metrics) RecordWriteFailure() {
	m.writerFailures.Inc()
}

func (m *Metrics) IncrementConnections() {
	m.gatewayConns.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.gatewayConns.Dec()
}

// RecordSent records one batch of n ticks pushed to a subscriber.
func (m *Metrics) RecordSent(n int) {
	m.gatewayBatches.Inc()
	m.gatewayTicks.Add(float64(n))
}

func (m *Metrics) RecordLogError(op string) {
	m.logErrors.WithLabelValues(op).Inc()
}
