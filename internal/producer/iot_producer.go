// Package producer runs simulated devices that announce themselves and
// publish signed readings to the ingestion queues.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/iot-audit/pkg/generator"
	"procodus.dev/iot-audit/pkg/metrics"
	"procodus.dev/iot-audit/pkg/mq"
)

// deviceTimeout bounds each device announcement push.
const deviceTimeout = 5 * time.Second

// ProducerConfig holds the configuration for a Producer.
type ProducerConfig struct {
	Logger         *slog.Logger
	MQClient       mq.Publisher
	DeviceMQClient mq.Publisher
	Signer         *generator.Signer
	Devices        []*generator.Device
	// PermitEvery attaches a permit to every n-th reading of a device.
	// Zero disables permits.
	PermitEvery int
	Metrics     *metrics.GeneratorMetrics
}

// Producer publishes readings for a fixed set of simulated devices.
type Producer struct {
	logger         *slog.Logger
	MQClient       mq.Publisher
	DeviceMQClient mq.Publisher
	Devices        []*generator.Device
	signer         *generator.Signer
	permitEvery    int
	metrics        *metrics.GeneratorMetrics // Optional metrics
	now            func() time.Time
}

// NewProducer creates a new producer.
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil {
		return nil, errors.New("producer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.MQClient == nil || cfg.DeviceMQClient == nil {
		return nil, errors.New("mq clients cannot be nil")
	}

	if cfg.Signer == nil {
		return nil, errors.New("signer cannot be nil")
	}

	if len(cfg.Devices) == 0 {
		return nil, errors.New("at least one device is required")
	}

	if cfg.PermitEvery < 0 {
		return nil, errors.New("permit interval cannot be negative")
	}

	return &Producer{
		logger:         cfg.Logger,
		MQClient:       cfg.MQClient,
		DeviceMQClient: cfg.DeviceMQClient,
		Devices:        cfg.Devices,
		signer:         cfg.Signer,
		permitEvery:    cfg.PermitEvery,
		metrics:        cfg.Metrics,
		now:            time.Now,
	}, nil
}

// RegisterDevices publishes a device message for every device. It keeps
// going after a failure and returns the joined errors.
func (p *Producer) RegisterDevices(ctx context.Context) error {
	var errs []error
	for _, device := range p.Devices {
		if err := p.publishDevice(ctx, device); err != nil {
			p.logger.Error("failed to register device",
				"device", device.Address().String(),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}

		p.logger.Info("device registered",
			"device", device.Address().String(),
			"auditor", device.Auditor.String(),
			"sensor", device.Sensor.Kind(),
		)
	}
	return errors.Join(errs...)
}

func (p *Producer) publishDevice(ctx context.Context, device *generator.Device) error {
	message, err := device.Announcement(p.now()).Marshal()
	if err != nil {
		p.recordFailure("device", "marshal_error")
		return fmt.Errorf("failed to marshal device message: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, deviceTimeout)
	defer cancel()

	if err := p.DeviceMQClient.Push(pushCtx, message); err != nil {
		p.recordFailure("device", "push_error")
		return err
	}

	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues("device").Inc()
		p.metrics.DevicesRegistered.Inc()
	}
	return nil
}

// RandomDataPoint takes a measurement on a random device, signs it and
// publishes it to the reading queue.
// Note: Uses math/rand for device selection which is acceptable for simulation data.
func (p *Producer) RandomDataPoint(ctx context.Context) error {
	device := p.Devices[rand.Intn(len(p.Devices))] // #nosec G404 - weak random is acceptable for simulation
	return p.DataPoint(ctx, device)
}

// DataPoint publishes the next signed reading of device.
func (p *Producer) DataPoint(ctx context.Context, device *generator.Device) error {
	now := p.now()
	value := device.Measure(now)
	withPermit := p.permitEvery > 0 && device.Readings()%p.permitEvery == 0

	msg, err := p.signer.Sign(ctx, device, value, now.Unix(), withPermit)
	if errors.Is(err, generator.ErrNonceUnavailable) {
		p.logger.Warn("publishing reading without permit", "device", device.Address().String(), "error", err)
		msg, err = p.signer.Sign(ctx, device, value, now.Unix(), false)
	}
	if err != nil {
		p.recordFailure("reading", "sign_error")
		return err
	}

	message, err := msg.Marshal()
	if err != nil {
		p.recordFailure("reading", "marshal_error")
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.PublishDuration)
	}
	err = p.MQClient.Push(ctx, message)
	if timer != nil {
		timer.ObserveDuration()
	}
	if err != nil {
		p.recordFailure("reading", "push_error")
		return err
	}

	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues("reading").Inc()
	}

	p.logger.Debug("reading published",
		"device", msg.DeviceAddress,
		"value", msg.Value,
		"has_permit", msg.HasPermit(),
	)
	return nil
}

func (p *Producer) recordFailure(kind, reason string) {
	if p.metrics != nil {
		p.metrics.PublishFailures.WithLabelValues(kind, reason).Inc()
	}
}
