package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the publishing side of a queue client. The simulator only
// ever needs this half.
type Publisher interface {
	// Push publishes data and blocks until the broker confirms it, the
	// retries run out or ctx is done.
	Push(ctx context.Context, data []byte) error

	Close() error
}

// Consumer is the consuming side of a queue client, used by the ingestion
// consumers. Every delivery must be acked or nacked by the caller.
type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)

	Close() error
}

// ClientInterface is a queue client that both publishes and consumes.
type ClientInterface interface {
	Publisher
	Consumer
}

var _ ClientInterface = (*Client)(nil)
