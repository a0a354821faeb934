package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuditMetrics contains Prometheus metrics for the audit relay.
type AuditMetrics struct {
	TicksTotal           *prometheus.CounterVec
	TickDuration         prometheus.Histogram
	BatchSize            prometheus.Histogram
	BatchesSubmitted     *prometheus.CounterVec
	SubcallOutcomes      *prometheus.CounterVec
	SubmissionErrors     *prometheus.CounterVec
	ReceiptWait          prometheus.Histogram
	PayloadBuildFailures prometheus.Counter
	AuditorsOnboarded    *prometheus.CounterVec
}

// NewAuditMetrics creates and registers audit relay metrics.
func NewAuditMetrics(namespace string) *AuditMetrics {
	m := &AuditMetrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks",
			},
			[]string{"job", "result"}, // result: success, error, empty, skipped, backoff
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "tick_duration_seconds",
				Help:      "Duration of audit ticks that selected readings",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "batch_size",
				Help:      "Number of readings submitted per batch",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			},
		),
		BatchesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "batches_submitted_total",
				Help:      "Total number of batch transactions submitted",
			},
			[]string{"mode", "status"}, // status: confirmed, reverted, failed, indeterminate
		),
		SubcallOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "subcall_outcomes_total",
				Help:      "Total number of decoded batch subcall events",
			},
			[]string{"event_type"},
		),
		SubmissionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "submission_errors_total",
				Help:      "Total number of batch submission errors",
			},
			[]string{"error_type"}, // error_type: rpc, revert, timeout, store
		),
		ReceiptWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "receipt_wait_seconds",
				Help:      "Time spent waiting for batch receipts",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
		),
		PayloadBuildFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "payload_build_failures_total",
				Help:      "Total number of readings left out of a batch because their payload could not be built",
			},
		),
		AuditorsOnboarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "auditor_registrations_total",
				Help:      "Total number of on-chain auditor registration attempts",
			},
			[]string{"status"},
		),
	}

	MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.BatchSize,
		m.BatchesSubmitted,
		m.SubcallOutcomes,
		m.SubmissionErrors,
		m.ReceiptWait,
		m.PayloadBuildFailures,
		m.AuditorsOnboarded,
	)

	return m
}
