package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metrics"
)

// DefaultOnboardingLimit bounds the auditors registered per onboarding tick.
const DefaultOnboardingLimit = 10

// AuditorStore is the part of the repository the onboarding job needs.
type AuditorStore interface {
	FindPendingAuditors(ctx context.Context, limit int) ([]store.Auditor, error)
	MarkAuditorOnboarded(ctx context.Context, address string) error
}

// OnboardingConfig holds the configuration for an Onboarder.
type OnboardingConfig struct {
	Logger        *slog.Logger
	Store         AuditorStore
	Chain         Chain
	AuditContract ethtypes.Address0xHex
	Metrics       *metrics.AuditMetrics // Optional
	Limit         int
}

// Onboarder registers onboarding-pending auditors with the audit contract.
// Like the Scheduler, overlapping ticks are skipped.
type Onboarder struct {
	logger        *slog.Logger
	store         AuditorStore
	chain         Chain
	auditContract ethtypes.Address0xHex
	metrics       *metrics.AuditMetrics
	limit         int
	mu            sync.Mutex
}

// NewOnboarder creates a new Onboarder.
func NewOnboarder(cfg *OnboardingConfig) (*Onboarder, error) {
	if cfg == nil {
		return nil, errors.New("onboarding config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, errors.New("chain cannot be nil")
	}
	if cfg.AuditContract == (ethtypes.Address0xHex{}) {
		return nil, errors.New("audit contract address cannot be empty")
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultOnboardingLimit
	}

	return &Onboarder{
		logger:        cfg.Logger,
		store:         cfg.Store,
		chain:         cfg.Chain,
		auditContract: cfg.AuditContract,
		metrics:       cfg.Metrics,
		limit:         limit,
	}, nil
}

// Tick submits registerAuditor for each pending auditor and marks the ones
// whose transaction succeeded. Failed auditors stay pending for the next tick.
func (o *Onboarder) Tick(ctx context.Context) error {
	if !o.mu.TryLock() {
		o.logger.Debug("onboarding tick skipped, previous tick still running")
		o.countTick("skipped")
		return ErrTickInProgress
	}
	defer o.mu.Unlock()

	auditors, err := o.store.FindPendingAuditors(ctx, o.limit)
	if err != nil {
		o.logger.Error("failed to find pending auditors", "error", err)
		o.countTick("error")
		return fmt.Errorf("failed to find pending auditors: %w", err)
	}
	if len(auditors) == 0 {
		o.countTick("empty")
		return nil
	}

	var errs []error
	for _, a := range auditors {
		if err := o.register(ctx, a.Address); err != nil {
			errs = append(errs, err)
			o.countRegistration("error")
			continue
		}
		o.countRegistration("success")
	}

	if len(errs) > 0 {
		o.countTick("error")
		return fmt.Errorf("%d of %d auditor registrations failed: %w", len(errs), len(auditors), errors.Join(errs...))
	}
	o.countTick("success")
	return nil
}

func (o *Onboarder) register(ctx context.Context, address string) error {
	logger := o.logger.With("auditor", address)

	auditor, err := ethtypes.NewAddress(address)
	if err != nil {
		logger.Error("invalid auditor address", "error", err)
		return fmt.Errorf("invalid auditor address %q: %w", address, err)
	}

	data, err := contracts.RegisterAuditorCallData(ctx, *auditor)
	if err != nil {
		return fmt.Errorf("failed to encode registerAuditor: %w", err)
	}

	pending, err := o.chain.SubmitTransaction(ctx, o.auditContract, big.NewInt(0), data)
	if err != nil {
		o.logChainError(ctx, logger, "auditor registration rejected", err)
		return fmt.Errorf("auditor %s: %w", address, err)
	}

	if _, err := o.chain.AwaitReceipt(ctx, pending); err != nil {
		o.logChainError(ctx, logger.With("tx_hash", pending.Hash.String()), "auditor registration failed", err)
		return fmt.Errorf("auditor %s: %w", address, err)
	}

	if err := o.store.MarkAuditorOnboarded(ctx, address); err != nil {
		logger.Error("auditor registered on chain but not marked onboarded",
			"tx_hash", pending.Hash.String(),
			"error", err,
		)
		return err
	}

	logger.Info("auditor onboarded", "tx_hash", pending.Hash.String())
	return nil
}

func (o *Onboarder) logChainError(ctx context.Context, logger *slog.Logger, msg string, err error) {
	if revertErr, ok := chain.AsRevert(err); ok {
		reason := revertErr.Reason
		if len(revertErr.Data) > 0 {
			reason = o.chain.DecodeError(ctx, revertErr.Data)
		}
		logger.Error(msg, "revert_reason", reason, "error", err)
		return
	}
	logger.Warn(msg, "error", err)
}

// Run calls Tick every interval until ctx is done.
func (o *Onboarder) Run(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, o.Tick)
}

func (o *Onboarder) countTick(result string) {
	if o.metrics != nil {
		o.metrics.TicksTotal.WithLabelValues("onboarding", result).Inc()
	}
}

func (o *Onboarder) countRegistration(status string) {
	if o.metrics != nil {
		o.metrics.AuditorsOnboarded.WithLabelValues(status).Inc()
	}
}
