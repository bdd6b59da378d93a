// Package metrics holds the Prometheus collectors of a client, server or façade.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pocksup"

// Metrics is one set of collectors. Each client owns its own set; pass a
// dedicated registry when running several clients in one process.
type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	PendingRequests   prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	RequestDuration   *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport by tag.",
		}, []string{"tag"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport by tag.",
		}, []string{"tag"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded by reason.",
		}, []string{"reason"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_requests",
			Help:      "Requests waiting for a correlated response.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Time from send to correlated response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tag", "outcome"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.FramesDropped, m.PendingRequests,
		m.StateTransitions, m.ReconnectAttempts, m.RequestDuration,
		m.HTTPRequests, m.HTTPDuration,
	}
}

// ObserveRequest records the latency of one correlated request
func (m *Metrics) ObserveRequest(tag string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RequestDuration.WithLabelValues(tag, outcome).Observe(d.Seconds())
}

// RecordHTTPRequest records one façade request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusLabel).Observe(d.Seconds())
}
