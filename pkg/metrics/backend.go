package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the ingestion backend: the
// gRPC status API, the queue consumers, reading validation and the store.
type BackendMetrics struct {
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	GRPCRequestsInFlight *prometheus.GaugeVec

	ConsumerMessagesTotal *prometheus.CounterVec
	ConsumerErrors        *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec
	ActiveConsumers       prometheus.Gauge

	ReadingsAccepted *prometheus.CounterVec
	ReadingsRejected *prometheus.CounterVec
	AuditorsCreated  prometheus.Counter

	DBOperationsTotal   *prometheus.CounterVec
	DBOperationDuration *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// NewBackendMetrics creates and registers ingestion backend metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	opts := func(subsystem, name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}
	histogram := func(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	m := &BackendMetrics{
		// status: success, error
		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts(opts("grpc", "requests_total",
			"Total number of status query requests")), []string{"method", "status"}),
		GRPCRequestDuration: histogram("grpc", "request_duration_seconds",
			"Duration of status query requests", "method"),
		GRPCRequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("grpc", "requests_in_flight",
			"Number of status query requests being served")), []string{"method"}),

		ConsumerMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(opts("consumer", "messages_total",
			"Total number of reading and device messages handled")), []string{"queue", "status"}),
		ConsumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts(opts("consumer", "errors_total",
			"Total number of messages dropped or requeued")), []string{"queue", "error_type"}),
		ProcessingDuration: histogram("consumer", "processing_duration_seconds",
			"Duration of message handling including validation and storage", "queue"),
		ActiveConsumers: prometheus.NewGauge(prometheus.GaugeOpts(opts("consumer", "active_consumers",
			"Number of running queue consumers"))),

		// permit: true, false
		ReadingsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts(opts("ingestion", "readings_accepted_total",
			"Total number of readings stored as unaudited")), []string{"permit"}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts(opts("ingestion", "readings_rejected_total",
			"Total number of readings dropped by validation")), []string{"reason"}),
		AuditorsCreated: prometheus.NewCounter(prometheus.CounterOpts(opts("ingestion", "auditors_created_total",
			"Total number of auditors created onboarding-pending"))),

		// operation: insert, select, update, delete, row, exec
		DBOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts(opts("db", "operations_total",
			"Total number of store operations")), []string{"operation", "table", "status"}),
		DBOperationDuration: histogram("db", "operation_duration_seconds",
			"Duration of store operations", "operation", "table"),
		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts(opts("db", "connections_active",
			"Number of open database connections in use"))),
	}

	MustRegister(
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.GRPCRequestsInFlight,
		m.ConsumerMessagesTotal,
		m.ConsumerErrors,
		m.ProcessingDuration,
		m.ActiveConsumers,
		m.ReadingsAccepted,
		m.ReadingsRejected,
		m.AuditorsCreated,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.DBConnectionsActive,
	)

	return m
}
