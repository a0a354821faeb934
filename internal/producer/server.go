package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/generator"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/metrics"
	"procodus.dev/iot-audit/pkg/mq"
)

// MetricsNamespace prefixes every simulator metric.
const MetricsNamespace = "iot_audit_generator"

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// QueueName is the name of the queue to publish readings to
	QueueName string
	// DeviceQueueName is the name of the queue to publish device messages to
	DeviceQueueName string
	// Interval is the time between readings of one producer
	Interval time.Duration
	// ProducerCount is the number of concurrent producers
	ProducerCount int
	// DevicesPerProducer is the number of simulated devices per producer
	DevicesPerProducer int
	// DeviceKeys are optional hex private keys used for the first devices
	DeviceKeys []string
	// AuditorAddress owns every simulated device
	AuditorAddress string
	// PermitEvery attaches a permit to every n-th reading of a device
	PermitEvery int
	// PermitTTL is the lifetime of a signed permit
	PermitTTL time.Duration

	// ChainURL is optional. When set, permit nonces are read from the chain
	// and the chain id is taken from the node.
	ChainURL            string
	ChainID             int64
	AuditContract       string
	RecordDomainName    string
	RecordDomainVersion string

	// MetricsAddr of "" disables the metrics endpoint.
	MetricsAddr string
}

// Server manages multiple producer instances.
type Server struct {
	logger        *slog.Logger
	config        *ServerConfig
	auditor       ethtypes.Address0xHex
	auditContract ethtypes.Address0xHex
	producers     []*Producer
	clients       []*mq.Client
	wg            sync.WaitGroup
	metrics       *metrics.GeneratorMetrics
}

var (
	errInvalidProducerCount = errors.New("producer count must be greater than 0")
	errInvalidDeviceCount   = errors.New("devices per producer must be greater than 0")
	errInvalidInterval      = errors.New("interval must be greater than 0")
	errLoggerRequired       = errors.New("logger is required")
)

// NewServer validates the configuration and creates a producer server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.ProducerCount <= 0 {
		return nil, errInvalidProducerCount
	}

	if cfg.DevicesPerProducer <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" || cfg.DeviceQueueName == "" {
		return nil, errors.New("queue names cannot be empty")
	}

	if cfg.PermitEvery < 0 {
		return nil, errors.New("permit interval cannot be negative")
	}

	if len(cfg.DeviceKeys) > cfg.ProducerCount*cfg.DevicesPerProducer {
		return nil, fmt.Errorf("%d device keys configured for %d devices",
			len(cfg.DeviceKeys), cfg.ProducerCount*cfg.DevicesPerProducer)
	}

	auditor, err := ethtypes.NewAddress(cfg.AuditorAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid auditor address: %w", err)
	}

	auditContract, err := ethtypes.NewAddress(cfg.AuditContract)
	if err != nil {
		return nil, fmt.Errorf("invalid audit contract address: %w", err)
	}

	if cfg.ChainURL == "" && cfg.ChainID <= 0 {
		return nil, errors.New("chain id must be positive when no chain URL is set")
	}

	return &Server{
		logger:        cfg.Logger,
		config:        cfg,
		auditor:       *auditor,
		auditContract: *auditContract,
	}, nil
}

// newSigner builds the device signer, reading nonces from the chain when a
// chain URL is configured.
func (s *Server) newSigner(ctx context.Context) (*generator.Signer, error) {
	chainID := s.config.ChainID
	var nonces generator.NonceSource

	if s.config.ChainURL != "" {
		client, err := chain.NewClient(ctx, &chain.Config{
			URL:      s.config.ChainURL,
			ChainID:  s.config.ChainID,
			ErrorABI: contracts.ErrorABI(),
		}, s.logger.With("component", "chain"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		chainID = client.ChainID()

		registry, err := contracts.NewRegistry(client, s.auditContract)
		if err != nil {
			return nil, err
		}
		nonces = registry
	} else {
		s.logger.Warn("no chain URL configured, counting permit nonces locally")
	}

	builder, err := metatx.NewBuilder(metatx.Config{
		ChainID:             chainID,
		AuditContract:       s.auditContract,
		RecordDomainName:    s.config.RecordDomainName,
		RecordDomainVersion: s.config.RecordDomainVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create builder: %w", err)
	}

	return generator.NewSigner(generator.SignerConfig{
		Builder:   builder,
		Nonces:    nonces,
		PermitTTL: s.config.PermitTTL,
		Metrics:   s.metrics,
	})
}

// newDevices creates the simulated devices, using the configured keys first.
func (s *Server) newDevices() ([]*generator.Device, error) {
	total := s.config.ProducerCount * s.config.DevicesPerProducer
	devices := make([]*generator.Device, 0, total)

	for _, key := range s.config.DeviceKeys {
		kp, err := chain.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid device key: %w", err)
		}
		d, err := generator.NewDeviceWithKey(kp, s.auditor)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	for len(devices) < total {
		d, err := generator.NewDevice(s.auditor)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// setup creates the producers and their MQ clients.
func (s *Server) setup(ctx context.Context) error {
	signer, err := s.newSigner(ctx)
	if err != nil {
		return err
	}

	devices, err := s.newDevices()
	if err != nil {
		return err
	}

	var mqMetrics *metrics.MQMetrics
	if s.metrics != nil {
		mqMetrics = metrics.NewMQMetrics(MetricsNamespace)
	}

	per := s.config.DevicesPerProducer
	for i := 0; i < s.config.ProducerCount; i++ {
		client := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger.With(
			slog.String("component", "mq-client"),
			slog.Int("producer_id", i),
		))
		deviceClient := mq.New(s.config.DeviceQueueName, s.config.RabbitMQURL, s.logger.With(
			slog.String("component", "device-mq-client"),
			slog.Int("producer_id", i),
		))
		if mqMetrics != nil {
			client.SetMetrics(mqMetrics)
			deviceClient.SetMetrics(mqMetrics)
		}
		s.clients = append(s.clients, client, deviceClient)

		producer, err := NewProducer(&ProducerConfig{
			Logger:         s.logger.With(slog.Int("producer_id", i)),
			MQClient:       client,
			DeviceMQClient: deviceClient,
			Signer:         signer,
			Devices:        devices[i*per : (i+1)*per],
			PermitEvery:    s.config.PermitEvery,
			Metrics:        s.metrics,
		})
		if err != nil {
			return err
		}
		s.producers = append(s.producers, producer)

		s.logger.Info("created producer instance",
			"producer_id", i,
			"queue", s.config.QueueName,
			"device_queue", s.config.DeviceQueueName,
			"device_count", len(producer.Devices),
		)
	}
	return nil
}

// Run starts all producers and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	s.metrics = metrics.NewGeneratorMetrics(MetricsNamespace)

	if err := s.setup(ctx); err != nil {
		s.closeClients()
		return err
	}

	metricsErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := metrics.Serve(ctx, s.config.MetricsAddr, s.logger); err != nil {
			metricsErr <- err
		}
	}()

	for i, producer := range s.producers {
		s.wg.Add(1)
		go s.runProducer(ctx, i, producer)
	}

	s.logger.Info("producer server started",
		"producer_count", len(s.producers),
		"devices_per_producer", s.config.DevicesPerProducer,
		"interval", s.config.Interval,
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case err := <-metricsErr:
		s.logger.Error("metrics server error", "error", err)
		runErr = err
	}
	cancel()

	s.logger.Info("waiting for producers to shut down...")
	s.wg.Wait()

	s.logger.Info("closing MQ clients...")
	s.closeClients()

	s.logger.Info("producer server stopped")
	return runErr
}

// runProducer registers the producer's devices, then publishes a reading
// every interval.
func (s *Server) runProducer(ctx context.Context, id int, producer *Producer) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveDevices.Add(float64(len(producer.Devices)))
		defer s.metrics.ActiveDevices.Sub(float64(len(producer.Devices)))
	}

	producerLogger := s.logger.With(slog.Int("producer_id", id))

	if err := producer.RegisterDevices(ctx); err != nil {
		producerLogger.Warn("some devices failed to register", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	producerLogger.Info("producer started")

	for {
		select {
		case <-ctx.Done():
			producerLogger.Info("producer shutting down")
			return

		case <-ticker.C:
			if err := producer.RandomDataPoint(ctx); err != nil {
				producerLogger.Error("failed to publish reading", "error", err)
				continue
			}
		}
	}
}

// closeClients closes all MQ clients concurrently.
func (s *Server) closeClients() {
	var wg sync.WaitGroup
	for _, client := range s.clients {
		wg.Add(1)
		go func(c *mq.Client) {
			defer wg.Done()
			if err := c.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
				s.logger.Error("failed to close MQ client", "error", err)
			}
		}(client)
	}
	wg.Wait()
}

// Shutdown closes the MQ clients. Run normally does this itself.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.closeClients()
	return nil
}
