// Package mock provides an in-memory stand-in for the mq clients.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-audit/pkg/mq"
)

// MockClient records published messages and hands out a caller supplied
// delivery channel.
type MockClient struct {
	mu sync.Mutex

	// PushFunc overrides PushError when set.
	PushFunc  func(ctx context.Context, data []byte) error
	PushError error
	PushCalls []PushCall

	// ConsumeFunc overrides ConsumeChannel and ConsumeError when set.
	ConsumeFunc    func() (<-chan amqp.Delivery, error)
	ConsumeChannel <-chan amqp.Delivery
	ConsumeError   error
	ConsumeCalls   int

	CloseFunc  func() error
	CloseError error
	CloseCalls int
}

// PushCall is one recorded Push.
type PushCall struct {
	Ctx  context.Context
	Data []byte
}

// NewMockClient returns a client whose Push succeeds and whose Consume
// returns a channel that never delivers.
func NewMockClient() *MockClient {
	return &MockClient{
		PushCalls:      make([]PushCall, 0),
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// NewMockConsumer returns a client that serves deliveries from ch.
func NewMockConsumer(ch <-chan amqp.Delivery) *MockClient {
	m := NewMockClient()
	m.ConsumeChannel = ch
	return m
}

func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, Data: data})
	if m.PushFunc != nil {
		return m.PushFunc(ctx, data)
	}
	return m.PushError
}

// Pushed returns a copy of every payload passed to Push so far.
func (m *MockClient) Pushed() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.PushCalls))
	for i, call := range m.PushCalls {
		out[i] = call.Data
	}
	return out
}

func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	return m.ConsumeChannel, m.ConsumeError
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.CloseError
}

var (
	_ mq.Publisher       = (*MockClient)(nil)
	_ mq.Consumer        = (*MockClient)(nil)
	_ mq.ClientInterface = (*MockClient)(nil)
)
