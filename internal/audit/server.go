package audit

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
	"gorm.io/gorm"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/metrics"
)

// MetricsNamespace prefixes every relay metric.
const MetricsNamespace = "iot_audit_relay"

// ServerConfig holds the configuration for the relay Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration. The logger is taken from Logger.
	Database store.DBConfig

	// Chain configuration
	Chain         chain.Config
	AuditContract string

	// Meta-transaction configuration
	RecordDomainName    string
	RecordDomainVersion string
	PermitGasLimit      uint64

	// Audit configuration
	BatchMode      string
	MaxBatchSize   int
	RetryFailed    bool
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnboardingInterval of zero disables auditor onboarding.
	OnboardingInterval time.Duration

	// MetricsAddr of "" disables the metrics endpoint.
	MetricsAddr string
}

// Server runs the audit scheduler and the auditor onboarding job.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
	db     *gorm.DB
	wg     sync.WaitGroup

	auditContract ethtypes.Address0xHex
	batchMode     contracts.BatchMode
}

// NewServer validates cfg and creates a relay Server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Chain.URL == "" {
		return nil, errors.New("chain URL cannot be empty")
	}

	if cfg.Chain.PrivateKey == "" {
		return nil, errors.New("relay private key cannot be empty")
	}

	auditContract, err := ethtypes.NewAddress(cfg.AuditContract)
	if err != nil {
		return nil, fmt.Errorf("invalid audit contract address: %w", err)
	}

	mode, err := contracts.ParseBatchMode(cfg.BatchMode)
	if err != nil {
		return nil, err
	}

	if _, err := ResolveBatchSize(cfg.MaxBatchSize); err != nil {
		return nil, err
	}

	if cfg.Interval <= 0 {
		return nil, errors.New("audit interval must be positive")
	}

	if cfg.OnboardingInterval < 0 {
		return nil, errors.New("onboarding interval cannot be negative")
	}

	return &Server{
		logger:        cfg.Logger,
		config:        cfg,
		auditContract: *auditContract,
		batchMode:     mode,
	}, nil
}

// Run starts the relay and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting audit relay")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	dbCfg := s.config.Database
	dbCfg.Logger = s.logger
	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	repo, err := store.NewRepository(db, s.logger, store.WithRetryFailed(s.config.RetryFailed))
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}

	chainCfg := s.config.Chain
	if chainCfg.ErrorABI == nil {
		chainCfg.ErrorABI = contracts.ErrorABI()
	}
	client, err := chain.NewClient(ctx, &chainCfg, s.logger.With("component", "chain"))
	if err != nil {
		return errors.Join(fmt.Errorf("failed to connect to chain: %w", err), s.Shutdown())
	}

	builder, err := metatx.NewBuilder(metatx.Config{
		ChainID:             client.ChainID(),
		AuditContract:       s.auditContract,
		RecordDomainName:    s.config.RecordDomainName,
		RecordDomainVersion: s.config.RecordDomainVersion,
		GasLimit:            s.config.PermitGasLimit,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create builder: %w", err), s.Shutdown())
	}

	auditMetrics := metrics.NewAuditMetrics(MetricsNamespace)

	submitter, err := NewBatchSubmitter(&SubmitterConfig{
		Logger:       s.logger.With("component", "submitter"),
		Chain:        client,
		Builder:      builder,
		Metrics:      auditMetrics,
		Mode:         s.batchMode,
		MaxBatchSize: s.config.MaxBatchSize,
	})
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}

	scheduler, err := NewScheduler(&SchedulerConfig{
		Logger:         s.logger.With("component", "scheduler"),
		Store:          repo,
		Submitter:      submitter,
		Metrics:        auditMetrics,
		MaxBatchSize:   s.config.MaxBatchSize,
		InitialBackoff: s.config.InitialBackoff,
		MaxBackoff:     s.config.MaxBackoff,
		RetryFailed:    s.config.RetryFailed,
	})
	if err != nil {
		return errors.Join(err, s.Shutdown())
	}

	s.start(func() error { return scheduler.Run(ctx, s.config.Interval) })

	if s.config.OnboardingInterval > 0 {
		onboarder, err := NewOnboarder(&OnboardingConfig{
			Logger:        s.logger.With("component", "onboarding"),
			Store:         repo,
			Chain:         client,
			AuditContract: s.auditContract,
			Metrics:       auditMetrics,
		})
		if err != nil {
			cancel()
			s.wg.Wait()
			return errors.Join(err, s.Shutdown())
		}
		s.start(func() error { return onboarder.Run(ctx, s.config.OnboardingInterval) })
	}

	metricsErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := metrics.Serve(ctx, s.config.MetricsAddr, s.logger); err != nil {
			metricsErr <- err
		}
	}()

	s.logger.Info("audit relay started",
		"signer", client.Address().String(),
		"chain_id", client.ChainID(),
		"audit_contract", s.auditContract.String(),
		"batch_mode", string(s.batchMode),
		"max_batch_size", submitter.MaxBatchSize(),
		"interval", s.config.Interval.String(),
	)

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
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

func (s *Server) start(run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil {
			s.logger.Error("relay job stopped", "error", err)
		}
	}()
}

// Shutdown releases the database connection.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down audit relay")

	if s.db != nil {
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			return fmt.Errorf("database close error: %w", err)
		}
		s.db = nil
	}

	s.logger.Info("audit relay shutdown completed successfully")
	return nil
}
