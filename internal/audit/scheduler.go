package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/metrics"
)

const (
	// DefaultInitialBackoff is the pause after the first failed tick.
	DefaultInitialBackoff = 5 * time.Second
	// DefaultMaxBackoff caps the pause between ticks while failures repeat.
	DefaultMaxBackoff = 5 * time.Minute
)

// EventStore is the part of the repository the scheduler needs.
type EventStore interface {
	FindUnauditedBatch(ctx context.Context, sel store.Selection) ([]store.Reading, error)
	InsertEvents(ctx context.Context, events []store.Event) error
}

// Submitter submits one batch of readings.
type Submitter interface {
	SubmitBatch(ctx context.Context, readings []store.Reading) ([]store.Event, error)
}

// SchedulerConfig holds the configuration for a Scheduler.
type SchedulerConfig struct {
	Logger    *slog.Logger
	Store     EventStore
	Submitter Submitter
	Metrics   *metrics.AuditMetrics // Optional
	// Now defaults to time.Now.
	Now func() time.Time
	// MaxBatchSize defaults to DefaultMaxBatchSize.
	MaxBatchSize   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RetryFailed makes readings with only SubcallFailed events selectable again.
	RetryFailed bool
}

// Scheduler runs audit ticks. At most one tick runs at a time; a tick that
// finds another running is skipped, never queued.
type Scheduler struct {
	logger       *slog.Logger
	store        EventStore
	submitter    Submitter
	metrics      *metrics.AuditMetrics
	now          func() time.Time
	maxBatchSize int
	retryFailed  bool

	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	nextAllowed time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("scheduler config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}

	size, err := ResolveBatchSize(cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		logger:       cfg.Logger,
		store:        cfg.Store,
		submitter:    cfg.Submitter,
		metrics:      cfg.Metrics,
		now:          now,
		maxBatchSize: size,
		retryFailed:  cfg.RetryFailed,
		backoff:      newBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
	}, nil
}

func newBackoff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxInterval <= 0 {
		maxInterval = DefaultMaxBackoff
	}
	if maxInterval < initial {
		maxInterval = initial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

// Tick runs one audit cycle: select a batch, submit it and store its events.
//
// It returns ErrTickInProgress when another tick is running and ErrBackingOff
// while a previous failure's backoff window is open. Any other error means
// the tick failed and opens the next backoff window.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.mu.TryLock() {
		s.logger.Debug("audit tick skipped, previous tick still running")
		s.countTick("skipped")
		return ErrTickInProgress
	}
	defer s.mu.Unlock()

	now := s.now()
	if now.Before(s.nextAllowed) {
		s.logger.Debug("audit tick skipped during backoff", "retry_at", s.nextAllowed)
		s.countTick("backoff")
		return fmt.Errorf("%w until %s", ErrBackingOff, s.nextAllowed.Format(time.RFC3339))
	}

	batchID := uuid.NewString()
	logger := s.logger.With("batch_id", batchID)

	start := time.Now()
	selected, err := s.tick(WithBatchID(ctx, batchID), logger, now)
	if selected && s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		delay := s.backoff.NextBackOff()
		s.nextAllowed = now.Add(delay)
		logger.Warn("audit tick failed, backing off",
			"retry_in", delay.String(),
			"error", err,
		)
		s.countTick("error")
		return err
	}

	s.backoff.Reset()
	s.nextAllowed = time.Time{}
	if selected {
		s.countTick("success")
	} else {
		s.countTick("empty")
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context, logger *slog.Logger, now time.Time) (bool, error) {
	readings, err := s.store.FindUnauditedBatch(ctx, store.Selection{
		Now:         now.Unix(),
		MaxSize:     s.maxBatchSize,
		RetryFailed: s.retryFailed,
	})
	if err != nil {
		logger.Error("failed to select unaudited readings", "error", err)
		s.countStoreError()
		return false, fmt.Errorf("failed to select batch: %w", err)
	}

	if len(readings) == 0 {
		logger.Debug("no unaudited readings")
		return false, nil
	}

	logger.Info("auditing batch",
		"readings", len(readings),
		"reading_ids", readingIDs(readings),
	)

	events, err := s.submitter.SubmitBatch(ctx, readings)
	if err != nil {
		return true, err
	}
	if len(events) == 0 {
		return true, nil
	}

	if err := s.store.InsertEvents(ctx, events); err != nil {
		devices := make([]string, len(readings))
		for i, r := range readings {
			devices[i] = r.DeviceAddress
		}
		// The batch is final on chain. These events have to be reconciled by hand.
		logger.Error("failed to store audit events for a confirmed batch",
			"tx_hash", events[0].TransactionHash,
			"reading_ids", readingIDs(readings),
			"devices", devices,
			"error", err,
		)
		s.countStoreError()
		return true, fmt.Errorf("failed to store audit events: %w", err)
	}

	for _, e := range events {
		logger.Info("reading audited",
			"reading_id", e.ReadingID,
			"event_type", string(e.EventType),
			"tx_hash", e.TransactionHash,
			"index", e.Index,
		)
	}
	return true, nil
}

// Run calls Tick every interval until ctx is done. Tick errors are logged by
// Tick itself.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, s.Tick)
}

func runEvery(ctx context.Context, interval time.Duration, tick func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = tick(ctx)
		}
	}
}

func (s *Scheduler) countTick(result string) {
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues("audit", result).Inc()
	}
}

func (s *Scheduler) countStoreError() {
	if s.metrics != nil {
		s.metrics.SubmissionErrors.WithLabelValues("store").Inc()
	}
}
