package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the platform.
type Metrics struct {
	Registry *prometheus.Registry

	InstancesActive   *prometheus.GaugeVec
	InstancesCreated  *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ThreatsDetected   *prometheus.CounterVec
	BlockedSubmissions prometheus.Counter
	AnomaliesTotal    *prometheus.CounterVec
	SamplesTotal      prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		InstancesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "webvm",
				Name:      "instances_active",
				Help:      "Live instances by lifecycle status.",
			},
			[]string{"status"},
		),

		InstancesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "instances_created_total",
				Help:      "Instances created by environment kind and security level.",
			},
			[]string{"kind", "security_level"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "executions_total",
				Help:      "Code executions by language and outcome status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "webvm",
				Name:      "execution_duration_seconds",
				Help:      "Duration of code executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ThreatsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "threats_detected_total",
				Help:      "Threat scanner findings by type and severity.",
			},
			[]string{"type", "severity"},
		),

		BlockedSubmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "blocked_submissions_total",
				Help:      "Submissions rejected by the threat gate.",
			},
		),

		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "resource_anomalies_total",
				Help:      "Resource anomalies by type and severity.",
			},
			[]string{"type", "severity"},
		),

		SamplesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "webvm",
				Name:      "usage_samples_total",
				Help:      "Resource usage samples collected.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "webvm",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "webvm",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "webvm",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.InstancesActive,
		m.InstancesCreated,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ThreatsDetected,
		m.BlockedSubmissions,
		m.AnomaliesTotal,
		m.SamplesTotal,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordThreat records one scanner finding.
func (m *Metrics) RecordThreat(threatType, severity string) {
	m.ThreatsDetected.WithLabelValues(threatType, severity).Inc()
}

// RecordAnomaly records a resource anomaly.
func (m *Metrics) RecordAnomaly(anomalyType, severity string) {
	m.AnomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
}
