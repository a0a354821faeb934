// Package backend ingests device announcements and signed readings from
// RabbitMQ and serves the audit status query API over gRPC.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/metrics"
	"procodus.dev/iot-audit/pkg/mq"
)

// MetricsNamespace prefixes every backend metric.
const MetricsNamespace = "iot_audit_backend"

// Server represents the backend server that manages database, message queue, and gRPC.
type Server struct {
	logger         *slog.Logger
	db             *gorm.DB
	consumer       *Consumer
	deviceConsumer *DeviceConsumer
	grpcServer     *grpc.Server
	config         *ServerConfig
	auditContract  ethtypes.Address0xHex
	wg             sync.WaitGroup
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration. The logger is taken from Logger.
	Database store.DBConfig

	// RabbitMQ configuration
	RabbitMQURL     string
	QueueName       string
	DeviceQueueName string

	// gRPC configuration
	GRPCPort int

	// Chain configuration. ChainURL is optional: without it devices are not
	// checked against the on-chain registry and ChainID must be set.
	ChainURL            string
	ChainID             int64
	AuditContract       string
	RecordDomainName    string
	RecordDomainVersion string

	// RetryFailedSubcalls must match the relay's policy. When set, a reading
	// whose only events are SubcallFailed still counts as audit pending.
	RetryFailedSubcalls bool

	// MetricsAddr of "" disables the metrics endpoint.
	MetricsAddr string
}

// RepositoryOptions returns the store options implied by the configuration.
func (c *ServerConfig) RepositoryOptions() []store.Option {
	return []store.Option{store.WithRetryFailed(c.RetryFailedSubcalls)}
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DeviceQueueName == "" {
		return nil, errors.New("device queue name cannot be empty")
	}

	if err := validateDatabase(&cfg.Database); err != nil {
		return nil, err
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
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
		auditContract: *auditContract,
	}, nil
}

func validateDatabase(db *store.DBConfig) error {
	if db.Driver == store.DriverSQLite {
		if db.Path == "" {
			return errors.New("sqlite path cannot be empty")
		}
		return nil
	}

	if db.Host == "" {
		return errors.New("database host cannot be empty")
	}

	if db.Port <= 0 {
		return errors.New("database port must be positive")
	}

	if db.User == "" {
		return errors.New("database user cannot be empty")
	}

	if db.DBName == "" {
		return errors.New("database name cannot be empty")
	}
	return nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	backendMetrics := metrics.NewBackendMetrics(MetricsNamespace)
	mqMetrics := metrics.NewMQMetrics(MetricsNamespace)

	dbCfg := s.config.Database
	dbCfg.Logger = s.logger
	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if err := store.Instrument(db, store.OperationMetrics{
		Operations:  backendMetrics.DBOperationsTotal,
		Duration:    backendMetrics.DBOperationDuration,
		Connections: backendMetrics.DBConnectionsActive,
	}); err != nil {
		return errors.Join(err, s.Shutdown())
	}

	repo, err := store.NewRepository(db, s.logger, s.config.RepositoryOptions()...)
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}

	s.logger.Info("database initialized successfully")

	validator, err := s.newValidator(ctx, repo)
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}

	readingsMQ := mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger.With("queue", s.config.QueueName))
	readingsMQ.SetMetrics(mqMetrics)
	s.consumer, err = NewConsumer(&ConsumerConfig{
		Logger:    s.logger.With("component", "reading_consumer"),
		Store:     repo,
		Validator: validator,
		Metrics:   backendMetrics,
		MQ:        readingsMQ,
		QueueName: s.config.QueueName,
	})
	if err != nil {
		_ = readingsMQ.Close()
		return errors.Join(fmt.Errorf("failed to initialize consumer: %w", err), s.Shutdown())
	}

	devicesMQ := mq.New(s.config.DeviceQueueName, s.config.RabbitMQURL, s.logger.With("queue", s.config.DeviceQueueName))
	devicesMQ.SetMetrics(mqMetrics)
	s.deviceConsumer, err = NewDeviceConsumer(&DeviceConsumerConfig{
		Logger:    s.logger.With("component", "device_consumer"),
		Store:     repo,
		Metrics:   backendMetrics,
		MQ:        devicesMQ,
		QueueName: s.config.DeviceQueueName,
	})
	if err != nil {
		_ = devicesMQ.Close()
		return errors.Join(fmt.Errorf("failed to initialize device consumer: %w", err), s.Shutdown())
	}

	if err := s.deviceConsumer.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start device consumer: %w", err), s.Shutdown())
	}

	if err := s.consumer.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start consumer: %w", err), s.Shutdown())
	}

	queryService, err := NewAuditQueryService(s.logger.With("component", "grpc"), repo, backendMetrics)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to initialize gRPC service: %w", err), s.Shutdown())
	}

	s.grpcServer = grpc.NewServer()
	auditapi.RegisterAuditQueryServer(s.grpcServer, queryService)

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", grpcAddr, err), s.Shutdown())
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()

	metricsErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := metrics.Serve(ctx, s.config.MetricsAddr, s.logger); err != nil {
			metricsErr <- err
		}
	}()

	s.logger.Info("backend server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			runErr = err
		}
	case err := <-metricsErr:
		s.logger.Error("metrics server error", "error", err)
		runErr = err
	}

	cancel()
	s.wg.Wait()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// newValidator builds the reading validator. A chain URL adds the on-chain
// registration and permit nonce checks and supplies the chain id.
func (s *Server) newValidator(ctx context.Context, repo *store.GormRepository) (*Validator, error) {
	chainID := s.config.ChainID
	var registry DeviceRegistry

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

		reg, err := contracts.NewRegistry(client, s.auditContract)
		if err != nil {
			return nil, err
		}
		registry = reg
	} else {
		s.logger.Warn("no chain URL configured, skipping on-chain device registration and permit nonce checks")
	}

	builder, err := metatx.NewBuilder(metatx.Config{
		ChainID:             chainID,
		AuditContract:       s.auditContract,
		RecordDomainName:    s.config.RecordDomainName,
		RecordDomainVersion: s.config.RecordDomainVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create record verifier: %w", err)
	}

	return NewValidator(&ValidatorConfig{
		Store:    repo,
		Registry: registry,
		Verifier: builder,
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var shutdownErr error

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
		s.logger.Info("gRPC server stopped")
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			shutdownErr = fmt.Errorf("consumer shutdown error: %w", err)
		}
		s.consumer = nil
	}

	if s.deviceConsumer != nil {
		if err := s.deviceConsumer.Stop(); err != nil {
			s.logger.Error("failed to stop device consumer", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("device consumer shutdown error: %w", err))
		}
		s.deviceConsumer = nil
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
		s.db = nil
	}

	if shutdownErr != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
