package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the RabbitMQ client. Every vector
// is labelled by queue, so one set serves the reading and device clients.
type MQMetrics struct {
	ConnectionStatus    prometheus.Gauge
	ReconnectAttempts   prometheus.Counter
	MessagesPushed      *prometheus.CounterVec
	PushFailures        *prometheus.CounterVec
	PushNacks           *prometheus.CounterVec
	PushDuration        *prometheus.HistogramVec
	MessagesConsumed    *prometheus.CounterVec
	MessagesRedelivered *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &MQMetrics{
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		MessagesPushed: counter("messages_pushed_total",
			"Total number of messages confirmed by the broker", "queue"),
		PushFailures: counter("push_failures_total",
			"Total number of pushes that gave up", "queue", "reason"),
		PushNacks: counter("push_nacks_total",
			"Total number of publisher confirms that came back negative", "queue"),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Duration of a push including retries and the broker confirm",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"queue"},
		),
		MessagesConsumed: counter("messages_consumed_total",
			"Total number of deliveries handed to a consumer", "queue"),
		MessagesRedelivered: counter("messages_redelivered_total",
			"Total number of deliveries the broker marked as redelivered", "queue"),
		ConsumptionFailures: counter("consumption_failures_total",
			"Total number of failed attempts to start consuming", "queue", "reason"),
	}

	MustRegister(
		m.ConnectionStatus,
		m.ReconnectAttempts,
		m.MessagesPushed,
		m.PushFailures,
		m.PushNacks,
		m.PushDuration,
		m.MessagesConsumed,
		m.MessagesRedelivered,
		m.ConsumptionFailures,
	)

	return m
}
