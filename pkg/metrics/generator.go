package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GeneratorMetrics contains Prometheus metrics for the device simulator.
type GeneratorMetrics struct {
	MessagesPublished  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	SigningDuration    *prometheus.HistogramVec
	PublishDuration    prometheus.Histogram
	ActiveDevices      prometheus.Gauge
	DevicesRegistered  prometheus.Counter
	ReadingsSigned     prometheus.Counter
	PermitsSigned      prometheus.Counter
	NonceLookupFailure prometheus.Counter
}

// NewGeneratorMetrics creates and registers device simulator metrics.
func NewGeneratorMetrics(namespace string) *GeneratorMetrics {
	m := &GeneratorMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "messages_published_total",
				Help:      "Total number of messages published",
			},
			[]string{"type"}, // type: device, reading
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "publish_failures_total",
				Help:      "Total number of message publish failures",
			},
			[]string{"type", "reason"},
		),
		SigningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "signing_duration_seconds",
				Help:      "Duration of typed data signing",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"type"}, // type: record, permit
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "publish_duration_seconds",
				Help:      "Duration of reading publishes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "active_devices",
				Help:      "Number of currently running simulated devices",
			},
		),
		DevicesRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "devices_registered_total",
				Help:      "Total number of device registrations published",
			},
		),
		ReadingsSigned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "readings_signed_total",
				Help:      "Total number of readings signed",
			},
		),
		PermitsSigned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "permits_signed_total",
				Help:      "Total number of call permits signed",
			},
		),
		NonceLookupFailure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "nonce_lookup_failures_total",
				Help:      "Total number of failed permit nonce reads",
			},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.SigningDuration,
		m.PublishDuration,
		m.ActiveDevices,
		m.DevicesRegistered,
		m.ReadingsSigned,
		m.PermitsSigned,
		m.NonceLookupFailure,
	)

	return m
}
