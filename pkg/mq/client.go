// Package mq provides a RabbitMQ client with automatic reconnection and error
// handling. Queues are durable and messages persistent, so readings survive a
// broker restart until the backend acknowledges them.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-audit/pkg/metrics"
)

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	isReady         bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// ContentType marks message bodies as protobuf encoded.
	ContentType = "application/x-protobuf"
)

// ErrAlreadyClosed is returned by Close when the client is not connected.
var ErrAlreadyClosed = errors.New("already closed: not connected to the server")

var (
	errNotConnected       = errors.New("not connected to a server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNotAcknowledged    = errors.New("push not acknowledged")
)

// New creates a new consumer state instance, and automatically
// attempts to connect to the server.
func New(queueName, addr string, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		infolog:   l,
		errlog:    l,
		queueName: queueName,
		done:      make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect")

		// Track reconnection attempt
		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		// Update connection status metric
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	// Update connection status metric
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize channel & declare queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	err = ch.Confirm(false)
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(
		client.queueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.infolog.Info("client init done")

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Push will push data onto the queue, and wait for a confirmation.
// This will block until the server sends a confirmation. Errors are
// only returned if the push action itself fails, see UnsafePush.
// The context is used for cancellation and timeout.
// Failed attempts, including pushes made while the client is reconnecting,
// are retried with exponential backoff up to maxRetryAttempts times.
func (client *Client) Push(ctx context.Context, data []byte) error {
	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	retryCount := 0
	var deliveryTag uint64
	push := func() error {
		select {
		case <-client.done:
			return backoff.Permanent(errShutdown)
		default:
		}

		client.m.Lock()
		isReady := client.isReady
		client.m.Unlock()
		if !isReady {
			return errNotConnected
		}

		if err := client.UnsafePush(ctx, data); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-client.done:
			return backoff.Permanent(errShutdown)
		case confirm := <-client.notifyConfirm:
			if !confirm.Ack {
				if client.metrics != nil {
					client.metrics.PushNacks.WithLabelValues(client.queueName).Inc()
				}
				return fmt.Errorf("%w: delivery tag %d", errNotAcknowledged, confirm.DeliveryTag)
			}
			deliveryTag = confirm.DeliveryTag
			return nil
		}
	}

	notify := func(err error, wait time.Duration) {
		retryCount++
		client.infolog.Info("push failed, retrying with backoff",
			"error", err,
			"backoff", wait,
			"retry_count", retryCount)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newPushBackOff(), maxRetryAttempts), ctx)
	if err := backoff.RetryNotify(push, b, notify); err != nil {
		reason := "max_retries_exceeded"
		switch {
		case ctx.Err() != nil:
			reason = "context_canceled"
			err = ctx.Err()
		case errors.Is(err, errShutdown):
			reason = "shutdown"
		default:
			client.errlog.Error("maximum retry attempts exceeded",
				"error", err,
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)
			err = fmt.Errorf("%w: %w", errMaxRetriesExceeded, err)
		}

		if client.metrics != nil {
			client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
		}
		return err
	}

	if client.metrics != nil {
		client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
	}

	if retryCount > 0 {
		client.infolog.Info("push confirmed after retries",
			"delivery_tag", deliveryTag,
			"retry_count", retryCount)
	} else {
		client.infolog.Debug("push confirmed", "delivery_tag", deliveryTag)
	}
	return nil
}

func newPushBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// UnsafePush will push to the queue without checking for
// confirmation. It returns an error if it fails to connect.
// No guarantees are provided for whether the server will
// receive the message. The context is used for cancellation and timeout.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	client.m.Unlock()

	return client.channel.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  ContentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// Ignoring this will cause data to build up on the server.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		client.consumeFailed("not_connected")
		return nil, errNotConnected
	}
	client.m.Unlock()

	if err := client.channel.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		client.consumeFailed("qos")
		return nil, err
	}

	deliveries, err := client.channel.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		client.consumeFailed("consume")
		return nil, err
	}

	if client.metrics == nil {
		return deliveries, nil
	}

	counted := make(chan amqp.Delivery)
	go func() {
		defer close(counted)
		for d := range deliveries {
			client.metrics.MessagesConsumed.WithLabelValues(client.queueName).Inc()
			if d.Redelivered {
				client.metrics.MessagesRedelivered.WithLabelValues(client.queueName).Inc()
			}
			select {
			case counted <- d:
			case <-client.done:
				return
			}
		}
	}()
	return counted, nil
}

func (client *Client) consumeFailed(reason string) {
	if client.metrics != nil {
		client.metrics.ConsumptionFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in two locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	client.closeOnce.Do(func() { close(client.done) })
	if !client.isReady {
		return ErrAlreadyClosed
	}
	err := client.channel.Close()
	if err != nil {
		return err
	}
	err = client.connection.Close()
	if err != nil {
		return err
	}

	client.isReady = false

	// Update connection status metric
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
