package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/metrics"
	"procodus.dev/iot-audit/pkg/mq"
)

// DefaultStartTimeout bounds how long Start waits for the queue to become ready.
const DefaultStartTimeout = 30 * time.Second

// queueConsumer runs the delivery loop shared by the reading and device
// consumers. handle must ack or nack every delivery it receives.
type queueConsumer struct {
	logger       *slog.Logger
	mqClient     mq.Consumer
	metrics      *metrics.BackendMetrics
	queue        string
	startTimeout time.Duration
	handle       func(ctx context.Context, delivery amqp.Delivery)

	startOnce sync.Once
	started   bool
	done      chan struct{}
}

func newQueueConsumer(logger *slog.Logger, client mq.Consumer, url, queue string, m *metrics.BackendMetrics, startTimeout time.Duration) *queueConsumer {
	if client == nil {
		client = mq.New(queue, url, logger)
	}
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &queueConsumer{
		logger:       logger,
		mqClient:     client,
		metrics:      m,
		queue:        queue,
		startTimeout: startTimeout,
		done:         make(chan struct{}),
	}
}

// Start waits for the queue to become ready and begins consuming.
func (c *queueConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer", "queue", c.queue)

	var deliveries <-chan amqp.Delivery
	consume := func() error {
		d, err := c.mqClient.Consume()
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.startTimeout
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("queue not ready, retrying", "queue", c.queue, "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(consume, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.startOnce.Do(func() {
		c.started = true
		if c.metrics != nil {
			c.metrics.ActiveConsumers.Inc()
		}
		go c.processMessages(ctx, deliveries)
	})

	c.logger.Info("consumer started, waiting for messages", "queue", c.queue)
	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (c *queueConsumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	if c.metrics != nil {
		defer c.metrics.ActiveConsumers.Dec()
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing", "queue", c.queue)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed", "queue", c.queue)
				return
			}

			var timer *prometheus.Timer
			if c.metrics != nil {
				timer = prometheus.NewTimer(c.metrics.ProcessingDuration.WithLabelValues(c.queue))
			}
			c.handle(ctx, delivery)
			if timer != nil {
				timer.ObserveDuration()
			}
		}
	}
}

// drop acknowledges a message that can never be processed.
func (c *queueConsumer) drop(delivery amqp.Delivery, errorType string) {
	c.recordError(errorType)
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

// requeue returns a message to the queue after a transient failure.
func (c *queueConsumer) requeue(delivery amqp.Delivery, errorType string) {
	c.recordError(errorType)
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Error("failed to nack message", "error", err)
	}
}

// ack acknowledges a processed message.
func (c *queueConsumer) ack(delivery amqp.Delivery) bool {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		c.recordError("ack")
		return false
	}
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queue, "success").Inc()
	}
	return true
}

func (c *queueConsumer) recordError(errorType string) {
	if c.metrics != nil {
		c.metrics.ConsumerMessagesTotal.WithLabelValues(c.queue, "error").Inc()
		c.metrics.ConsumerErrors.WithLabelValues(c.queue, errorType).Inc()
	}
}

// Stop closes the MQ client and waits for message processing to finish.
func (c *queueConsumer) Stop() error {
	c.logger.Info("stopping consumer", "queue", c.queue)

	var closeErr error
	if err := c.mqClient.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
		closeErr = fmt.Errorf("failed to close mq client: %w", err)
	}

	if c.started {
		<-c.done
	}

	c.logger.Info("consumer stopped", "queue", c.queue)
	return closeErr
}

// ReadingInserter persists accepted readings.
type ReadingInserter interface {
	InsertReading(ctx context.Context, reading *store.Reading) error
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger    *slog.Logger
	Store     ReadingInserter
	Validator *Validator
	Metrics   *metrics.BackendMetrics

	// MQ is used when set. Otherwise a client for RabbitMQURL is created.
	MQ           mq.Consumer
	RabbitMQURL  string
	QueueName    string
	StartTimeout time.Duration
}

// Consumer validates readings from RabbitMQ and stores the accepted ones as unaudited.
type Consumer struct {
	*queueConsumer
	store     ReadingInserter
	validator *Validator
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Validator == nil {
		return nil, errors.New("validator cannot be nil")
	}

	if cfg.MQ == nil && cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	c := &Consumer{
		queueConsumer: newQueueConsumer(cfg.Logger, cfg.MQ, cfg.RabbitMQURL, cfg.QueueName, cfg.Metrics, cfg.StartTimeout),
		store:         cfg.Store,
		validator:     cfg.Validator,
	}
	c.handle = c.handleDelivery
	return c, nil
}

// handleDelivery processes a single reading delivery.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := auditapi.UnmarshalReading(delivery.Body)
	if err != nil {
		c.logger.Error("failed to unmarshal reading", "error", err)
		c.drop(delivery, "parse")
		return
	}

	c.logger.Debug("received reading",
		"device", msg.DeviceAddress,
		"timestamp", msg.Timestamp,
		"has_permit", msg.HasPermit(),
	)

	reading, err := c.validator.Validate(ctx, msg)
	if err != nil {
		if IsValidationError(err) {
			c.logger.Warn("rejected reading",
				"device", msg.DeviceAddress,
				"timestamp", msg.Timestamp,
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.ReadingsRejected.WithLabelValues(RejectionReason(err)).Inc()
			}
			c.drop(delivery, "validation")
			return
		}

		c.logger.Error("failed to validate reading",
			"device", msg.DeviceAddress,
			"error", err,
		)
		c.requeue(delivery, "dependency")
		return
	}

	if err := c.store.InsertReading(ctx, reading); err != nil {
		c.logger.Error("failed to save reading",
			"device", reading.DeviceAddress,
			"error", err,
		)
		c.requeue(delivery, "store")
		return
	}

	if !c.ack(delivery) {
		return
	}
	if c.metrics != nil {
		c.metrics.ReadingsAccepted.WithLabelValues(strconv.FormatBool(reading.HasPermit())).Inc()
	}

	c.logger.Info("reading stored",
		"reading_id", reading.ID,
		"device", reading.DeviceAddress,
		"has_permit", reading.HasPermit(),
	)
}
