package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace for all pipeline metrics
const namespace = "ingest"

// Metrics contains the pipeline-level metrics shared by all data sources
type Metrics struct {
	// Message flow
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	MessageRate       *prometheus.GaugeVec

	// Connection
	ConnectionState *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec

	// Snapshot
	SnapshotDuration *prometheus.HistogramVec
	SnapshotRows     *prometheus.GaugeVec

	// Row store
	StoreRows *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"source", "topic"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"source", "destination"},
		),

		BytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_bytes_total",
				Help:      "Total bytes received",
			},
			[]string{"source"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"source", "type"},
		),

		MessageRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "per_second",
				Help:      "Message rate over the trailing window",
			},
			[]string{"source"},
		),

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error)",
			},
			[]string{"source"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"source"},
		),

		SnapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "snapshot",
				Name:      "duration_seconds",
				Help:      "Snapshot acquisition duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source", "outcome"},
		),

		SnapshotRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "snapshot",
				Name:      "rows",
				Help:      "Rows collected by the last snapshot",
			},
			[]string{"source"},
		),

		StoreRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "rows",
				Help:      "Current number of rows in the store",
			},
			[]string{"source"},
		),
	}
}

// registerAll registers every core metric with the given registry
func (c *Metrics) registerAll(reg *prometheus.Registry) {
	reg.MustRegister(
		c.MessagesReceived,
		c.MessagesPublished,
		c.BytesReceived,
		c.ErrorsTotal,
		c.MessageRate,
		c.ConnectionState,
		c.Reconnects,
		c.SnapshotDuration,
		c.SnapshotRows,
		c.StoreRows,
	)
}

// RecordMessageReceived increments received message counters
func (c *Metrics) RecordMessageReceived(source, topic string, bytes int) {
	c.MessagesReceived.WithLabelValues(source, topic).Inc()
	c.BytesReceived.WithLabelValues(source).Add(float64(bytes))
}

// RecordMessagePublished increments the published message counter
func (c *Metrics) RecordMessagePublished(source, destination string) {
	c.MessagesPublished.WithLabelValues(source, destination).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(source, errorType string) {
	c.ErrorsTotal.WithLabelValues(source, errorType).Inc()
}

// RecordMessageRate updates the trailing-window message rate gauge
func (c *Metrics) RecordMessageRate(source string, perSecond float64) {
	c.MessageRate.WithLabelValues(source).Set(perSecond)
}

// RecordConnectionState updates the connection state gauge
func (c *Metrics) RecordConnectionState(source string, state int) {
	c.ConnectionState.WithLabelValues(source).Set(float64(state))
}

// RecordReconnect increments the reconnect counter
func (c *Metrics) RecordReconnect(source string) {
	c.Reconnects.WithLabelValues(source).Inc()
}

// RecordSnapshot records a completed snapshot acquisition
func (c *Metrics) RecordSnapshot(source, outcome string, rows int, duration time.Duration) {
	c.SnapshotDuration.WithLabelValues(source, outcome).Observe(duration.Seconds())
	c.SnapshotRows.WithLabelValues(source).Set(float64(rows))
}

// RecordStoreRows updates the row count gauge
func (c *Metrics) RecordStoreRows(source string, rows int) {
	c.StoreRows.WithLabelValues(source).Set(float64(rows))
}
