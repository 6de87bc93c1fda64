// Package metrics holds the Prometheus collectors of the offline core.
//
// Every recording method is safe to call on a nil *Metrics so components can
// be constructed without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	QueueEnqueued   prometheus.Counter
	QueueReplayed   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ReplayDuration  prometheus.Histogram
	CacheRequests   *prometheus.CounterVec
	TelemetryFlush  *prometheus.CounterVec
	TelemetryBuffer *prometheus.GaugeVec
	Online          prometheus.Gauge
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "offsync_queue_enqueued_total",
			Help: "Total number of mutations queued for replay",
		}),
		QueueReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_queue_replayed_total",
			Help: "Replay attempts by outcome (success, retry, permanent_failure, rejected)",
		}, []string{"outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_queue_depth",
			Help: "Pending mutations after the last enqueue or replay pass",
		}),
		ReplayDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "offsync_replay_duration_seconds",
			Help:    "Duration of replay passes",
			Buckets: prometheus.DefBuckets,
		}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_cache_requests_total",
			Help: "Intercepted requests by strategy and result",
		}, []string{"strategy", "result"}),
		TelemetryFlush: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_telemetry_flush_total",
			Help: "Telemetry flush attempts by channel and result",
		}, []string{"channel", "result"}),
		TelemetryBuffer: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offsync_telemetry_buffered",
			Help: "Telemetry items waiting in the in-memory buffer",
		}, []string{"channel"}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_online",
			Help: "1 when the remote API is considered reachable",
		}),
	}
}

// Enqueued records one queued mutation.
func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
}

// Replayed records one replay outcome.
func (m *Metrics) Replayed(outcome string) {
	if m == nil {
		return
	}
	m.QueueReplayed.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveReplay records the duration of a replay pass in seconds.
func (m *Metrics) ObserveReplay(seconds float64) {
	if m == nil {
		return
	}
	m.ReplayDuration.Observe(seconds)
}

// CacheRequest records one intercepted request.
func (m *Metrics) CacheRequest(strategy, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(strategy, result).Inc()
}

// Flushed records one telemetry flush attempt.
func (m *Metrics) Flushed(channel, result string) {
	if m == nil {
		return
	}
	m.TelemetryFlush.WithLabelValues(channel, result).Inc()
}

// SetBuffered records the size of a telemetry buffer.
func (m *Metrics) SetBuffered(channel string, n int) {
	if m == nil {
		return
	}
	m.TelemetryBuffer.WithLabelValues(channel).Set(float64(n))
}

// SetOnline records connectivity.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}
