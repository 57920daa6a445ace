// Package metrics holds the Prometheus collectors for the relay.
//
// All Record/Inc/Set methods are safe to call on a nil *Metrics, so
// components can run without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsCreated    *prometheus.CounterVec
	SessionsTerminated *prometheus.CounterVec
	SessionsRestored   prometheus.Counter
	Recoveries         *prometheus.CounterVec
	CommandsExecuted   prometheus.Counter

	// Output metrics
	ChunksEmitted *prometheus.CounterVec
	BytesEmitted  prometheus.Counter
	Redactions    prometheus.Counter
	PersistErrors prometheus.Counter

	// Connection metrics
	Connections prometheus.Gauge
	Messages    *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "shellrelay_sessions_active",
			Help: "Number of live sessions",
		}),
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_sessions_created_total",
			Help: "Sessions created, by shell kind",
		}, []string{"kind"}),
		SessionsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_sessions_terminated_total",
			Help: "Sessions terminated, by reason",
		}, []string{"reason"}),
		SessionsRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "shellrelay_sessions_restored_total",
			Help: "Sessions restored from storage at startup",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_recoveries_total",
			Help: "Shell respawn attempts, by result",
		}, []string{"result"}),
		CommandsExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "shellrelay_commands_executed_total",
			Help: "Commands written to shells",
		}),

		ChunksEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_chunks_emitted_total",
			Help: "Output chunks emitted, by kind",
		}, []string{"kind"}),
		BytesEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "shellrelay_output_bytes_total",
			Help: "Output bytes emitted after redaction",
		}),
		Redactions: f.NewCounter(prometheus.CounterOpts{
			Name: "shellrelay_redactions_total",
			Help: "Chunks or commands that had secrets redacted",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "shellrelay_persist_errors_total",
			Help: "Failed store writes",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "shellrelay_connections",
			Help: "Open client connections",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_messages_total",
			Help: "Protocol messages, by direction and type",
		}, []string{"direction", "type"}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shellrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
	}
	m.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "shellrelay_uptime_seconds",
		Help: "Process uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionCreated records a new or restored session.
func (m *Metrics) SessionCreated(kind string, restored bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	if restored {
		m.SessionsRestored.Inc()
		return
	}
	m.SessionsCreated.WithLabelValues(kind).Inc()
}

// SessionTerminated records a teardown.
func (m *Metrics) SessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTerminated.WithLabelValues(reason).Inc()
}

// RecordRecovery records a respawn attempt.
func (m *Metrics) RecordRecovery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Recoveries.WithLabelValues(result).Inc()
}

// RecordCommand records one executed command.
func (m *Metrics) RecordCommand(redacted bool) {
	if m == nil {
		return
	}
	m.CommandsExecuted.Inc()
	if redacted {
		m.Redactions.Inc()
	}
}

// RecordChunk records one emitted output chunk.
func (m *Metrics) RecordChunk(kind string, size int, redacted bool) {
	if m == nil {
		return
	}
	m.ChunksEmitted.WithLabelValues(kind).Inc()
	m.BytesEmitted.Add(float64(size))
	if redacted {
		m.Redactions.Inc()
	}
}

// IncPersistErrors counts a failed store write.
func (m *Metrics) IncPersistErrors() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

// IncConnections increments open connections
func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// DecConnections decrements open connections
func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RecordMessage records a protocol message. Direction is "in" or "out".
func (m *Metrics) RecordMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction, msgType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
