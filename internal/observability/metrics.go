package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for runs, workers, tools and the
// trace stream. All methods are safe on a nil *Metrics, which records
// nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RunStarted()
//	defer metrics.RunFinished("done", "", time.Since(start))
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: state (done|failed), error_kind
	RunCounter *prometheus.CounterVec

	// RunDuration measures wall time of a run in seconds.
	// Labels: state
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns prometheus.Gauge

	// WorkerInvocations counts worker invocations by outcome.
	// Labels: worker, status (continue|done|failed)
	WorkerInvocations *prometheus.CounterVec

	// WorkerDuration measures worker invocation time in seconds.
	// Labels: worker
	WorkerDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|invalid-input|tool-error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// EventCounter counts emitted trace events.
	// Labels: kind
	EventCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vibe_runs_total",
				Help: "Total number of finished supervisor runs",
			},
			[]string{"state", "error_kind"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vibe_run_duration_seconds",
				Help:    "Duration of supervisor runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vibe_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		WorkerInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vibe_worker_invocations_total",
				Help: "Total number of worker invocations",
			},
			[]string{"worker", "status"},
		),
		WorkerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vibe_worker_duration_seconds",
				Help:    "Duration of worker invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"worker"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vibe_tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vibe_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vibe_trace_events_total",
				Help: "Total number of emitted trace events",
			},
			[]string{"kind"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vibe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records a terminal run. errKind is empty for successful runs.
func (m *Metrics) RunFinished(state, errKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunCounter.WithLabelValues(state, errKind).Inc()
	m.RunDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) WorkerFinished(worker, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WorkerInvocations.WithLabelValues(worker, status).Inc()
	m.WorkerDuration.WithLabelValues(worker).Observe(d.Seconds())
}

func (m *Metrics) RecordToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) EventEmitted(kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
}
