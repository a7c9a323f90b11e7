// Package monitoring exposes Prometheus metrics for the backend: HTTP
// request metrics, command execution metrics, and process tracking
// gauges.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	KillsTotal        prometheus.Counter

	// Process tracking
	ProcessesActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates a metrics collector registered on the default
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_executions_total",
				Help: "Total number of command executions by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_execution_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"mode"},
		),
		KillsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_process_kills_total",
				Help: "Total number of background processes killed on request",
			},
		),

		ProcessesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_processes_active",
				Help: "Currently live background processes",
			},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_ws_connections",
				Help: "Active WebSocket connections",
			},
		),
	}
}

// RecordExecution observes one command execution.
func (m *Metrics) RecordExecution(mode, outcome string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordKill counts an explicit process kill.
func (m *Metrics) RecordKill() {
	m.KillsTotal.Inc()
}

// SetActiveProcesses updates the live background process gauge.
func (m *Metrics) SetActiveProcesses(n float64) {
	m.ProcessesActive.Set(n)
}

// Uptime returns time since metrics were initialized.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
