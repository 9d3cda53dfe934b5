package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the capture/approve/replay
// pipeline, scraped from the ops sidecar.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal           *prometheus.CounterVec
	CaptureDuration         prometheus.Histogram
	CapturesTotal           *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge
	ReplayOpsTotal          *prometheus.CounterVec
	ReplayOpDuration        prometheus.Histogram
	ScriptAnalysisFindings  *prometheus.CounterVec
	SidecarRequestsInFlight prometheus.Gauge
	ScriptSizeBytes         prometheus.Histogram
	OutputSizeBytes         prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shannot",
				Name:      "sessions_total",
				Help:      "Total number of sessions reaching each terminal or parked state.",
			},
			[]string{"state"},
		),

		CaptureDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shannot",
				Name:      "capture_phase_duration_seconds",
				Help:      "Wall-clock duration of the capture phase per session.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),

		CapturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shannot",
				Name:      "captures_total",
				Help:      "Total capture records appended, by kind.",
			},
			[]string{"kind"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shannot",
				Name:      "active_sessions",
				Help:      "Number of sessions currently in the running state.",
			},
		),

		ReplayOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shannot",
				Name:      "replay_ops_total",
				Help:      "Total replayed operations by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		ReplayOpDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shannot",
				Name:      "replay_op_duration_seconds",
				Help:      "Duration of individual replayed subprocess operations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		ScriptAnalysisFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shannot",
				Name:      "script_analysis_findings_total",
				Help:      "Suspicious patterns flagged in submitted scripts, by severity.",
			},
			[]string{"severity"},
		),

		SidecarRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shannot",
				Subsystem: "sidecar",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests the ops sidecar is currently processing.",
			},
		),

		ScriptSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shannot",
				Name:      "script_size_bytes",
				Help:      "Size of submitted scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shannot",
				Name:      "output_size_bytes",
				Help:      "Size of captured child stdout+stderr in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.CaptureDuration,
		m.CapturesTotal,
		m.ActiveSessions,
		m.ReplayOpsTotal,
		m.ReplayOpDuration,
		m.ScriptAnalysisFindings,
		m.SidecarRequestsInFlight,
		m.ScriptSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordSession records a session reaching a state, with its capture-phase duration.
func (m *Metrics) RecordSession(state string, captureSec float64) {
	m.SessionsTotal.WithLabelValues(state).Inc()
	if captureSec > 0 {
		m.CaptureDuration.Observe(captureSec)
	}
}

// RecordCapture records one appended capture record.
func (m *Metrics) RecordCapture(kind string) {
	m.CapturesTotal.WithLabelValues(kind).Inc()
}

// RecordReplayOp records one replayed op's outcome and duration.
func (m *Metrics) RecordReplayOp(kind, outcome string, durationSec float64) {
	m.ReplayOpsTotal.WithLabelValues(kind, outcome).Inc()
	if durationSec > 0 {
		m.ReplayOpDuration.Observe(durationSec)
	}
}

// RecordAnalysisFinding records one flagged pattern from script analysis.
func (m *Metrics) RecordAnalysisFinding(severity string) {
	m.ScriptAnalysisFindings.WithLabelValues(severity).Inc()
}
