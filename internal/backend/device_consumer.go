package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/metrics"
	"procodus.dev/iot-audit/pkg/mq"
)

// DeviceStore persists devices and their auditors.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *store.Device) error
	UpsertAuditor(ctx context.Context, address string) (*store.Auditor, bool, error)
}

// DeviceConsumerConfig holds the configuration for the DeviceConsumer.
type DeviceConsumerConfig struct {
	Logger  *slog.Logger
	Store   DeviceStore
	Metrics *metrics.BackendMetrics

	// MQ is used when set. Otherwise a client for RabbitMQURL is created.
	MQ           mq.Consumer
	RabbitMQURL  string
	QueueName    string
	StartTimeout time.Duration
}

// DeviceConsumer consumes device announcements from RabbitMQ. Unknown
// auditors are created onboarding-pending for the relay to register.
type DeviceConsumer struct {
	*queueConsumer
	store DeviceStore
}

// NewDeviceConsumer creates a new DeviceConsumer instance.
func NewDeviceConsumer(cfg *DeviceConsumerConfig) (*DeviceConsumer, error) {
	if cfg == nil {
		return nil, errors.New("device consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.MQ == nil && cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	c := &DeviceConsumer{
		queueConsumer: newQueueConsumer(cfg.Logger, cfg.MQ, cfg.RabbitMQURL, cfg.QueueName, cfg.Metrics, cfg.StartTimeout),
		store:         cfg.Store,
	}
	c.handle = c.handleDelivery
	return c, nil
}

// handleDelivery processes a single device message delivery.
func (c *DeviceConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := auditapi.UnmarshalDevice(delivery.Body)
	if err != nil {
		c.logger.Error("failed to unmarshal device message", "error", err)
		c.drop(delivery, "parse")
		return
	}

	device, err := deviceFromMessage(msg)
	if err != nil {
		c.logger.Warn("rejected device message", "device", msg.Address, "error", err)
		c.drop(delivery, "validation")
		return
	}

	auditor, created, err := c.store.UpsertAuditor(ctx, device.AuditorAddress)
	if err != nil {
		c.logger.Error("failed to save auditor",
			"auditor", device.AuditorAddress,
			"error", err,
		)
		c.requeue(delivery, "store")
		return
	}
	if created {
		c.logger.Info("new auditor awaiting onboarding", "auditor", auditor.Address)
		if c.metrics != nil {
			c.metrics.AuditorsCreated.Inc()
		}
	}

	if err := c.store.UpsertDevice(ctx, device); err != nil {
		c.logger.Error("failed to save device",
			"device", device.Address,
			"error", err,
		)
		c.requeue(delivery, "store")
		return
	}

	if !c.ack(delivery) {
		return
	}

	c.logger.Info("device saved",
		"device", device.Address,
		"auditor", device.AuditorAddress,
		"auditor_onboarding_pending", auditor.IsOnboardingPending,
	)
}

func deviceFromMessage(msg *auditapi.DeviceMessage) (*store.Device, error) {
	address, err := ethtypes.NewAddress(msg.Address)
	if err != nil {
		return nil, invalid(fmt.Errorf("device address %q: %w", msg.Address, err))
	}

	auditor, err := ethtypes.NewAddress(msg.AuditorAddress)
	if err != nil {
		return nil, invalid(fmt.Errorf("auditor address %q: %w", msg.AuditorAddress, err))
	}

	return &store.Device{
		Address:        store.NormalizeAddress(address.String()),
		Name:           msg.Name,
		AuditorAddress: store.NormalizeAddress(auditor.String()),
	}, nil
}
