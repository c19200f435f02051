// Package metrics registers the prometheus collectors shared across the
// pipeline and serves them to the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

// Metrics holds every collector the pipeline reports into. A single instance
// is created at startup and passed to each component (no global registry).
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth    prometheus.Gauge
	DropsByLevel  *prometheus.CounterVec // level
	WriteLatency  prometheus.Histogram   // ms per batch
	BatchesFailed prometheus.Counter
	EventsWritten prometheus.Counter
	EventsDeduped prometheus.Counter

	FramesReceived *prometheus.CounterVec // protocol
	FrameErrors    *prometheus.CounterVec // protocol, reason
	BytesBySource  *prometheus.CounterVec // source
	CountBySource  *prometheus.CounterVec // source

	StreamClients     prometheus.Gauge
	StreamEvicted     prometheus.Counter
	StreamLagDrops    prometheus.Counter
	RetryQuarantined  prometheus.Counter
	CorrelationEvicts prometheus.Counter
}

// New creates the collector set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loghive_queue_depth",
			Help: "Current number of events in the ingest queue.",
		}),
		DropsByLevel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghive_queue_drops_total",
			Help: "Events dropped by the level-aware overflow policy.",
		}, []string{"level"}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loghive_write_latency_ms",
			Help:    "Batch write transaction latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_batches_failed_total",
			Help: "Batches whose write transaction failed and moved to the retry queue.",
		}),
		EventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_events_written_total",
			Help: "Events durably persisted.",
		}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_events_deduped_total",
			Help: "Events discarded by the (dedup_key, minute) constraint.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghive_frames_received_total",
			Help: "Raw frames accepted per protocol.",
		}, []string{"protocol"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghive_frame_errors_total",
			Help: "Malformed or undecodable frames per protocol and reason.",
		}, []string{"protocol", "reason"}),
		BytesBySource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghive_ingest_bytes_total",
			Help: "Message bytes persisted per source.",
		}, []string{"source"}),
		CountBySource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loghive_ingest_events_total",
			Help: "Events persisted per source.",
		}, []string{"source"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loghive_stream_clients",
			Help: "Connected WebSocket clients.",
		}),
		StreamEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_stream_evicted_total",
			Help: "Clients terminated by the connection cap.",
		}),
		StreamLagDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_stream_lag_drops_total",
			Help: "Events dropped for slow WebSocket clients.",
		}),
		RetryQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_retry_quarantined_total",
			Help: "Failed batches quarantined after exhausting attempts.",
		}),
		CorrelationEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loghive_correlation_evictions_total",
			Help: "Open correlation sequences evicted by the per-pattern cap.",
		}),
	}

	reg.MustRegister(
		m.QueueDepth, m.DropsByLevel, m.WriteLatency, m.BatchesFailed,
		m.EventsWritten, m.EventsDeduped, m.FramesReceived, m.FrameErrors,
		m.BytesBySource, m.CountBySource, m.StreamClients, m.StreamEvicted,
		m.StreamLagDrops, m.RetryQuarantined, m.CorrelationEvicts,
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
