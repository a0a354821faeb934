package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"golang.org/x/sync/errgroup"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/metrics"
)

const (
	// DefaultMaxBatchSize is the number of readings submitted per batch
	// transaction unless configured otherwise.
	DefaultMaxBatchSize = 5
	// MaxBatchLimit caps the configurable batch size.
	MaxBatchLimit = 32
)

// Chain is the part of the chain client used to submit and confirm transactions.
type Chain interface {
	SubmitTransaction(ctx context.Context, to ethtypes.Address0xHex, value *big.Int, data []byte) (*chain.PendingTransaction, error)
	AwaitReceipt(ctx context.Context, pending *chain.PendingTransaction) (*chain.Receipt, error)
	DecodeError(ctx context.Context, revertData []byte) string
}

// PayloadBuilder builds the permit-forwarded call for one reading.
type PayloadBuilder interface {
	BuildForward(ctx context.Context, r metatx.Reading) ([]byte, error)
}

// SubmitterConfig holds the configuration for a BatchSubmitter.
type SubmitterConfig struct {
	Logger  *slog.Logger
	Chain   Chain
	Builder PayloadBuilder
	Metrics *metrics.AuditMetrics // Optional
	// Mode defaults to contracts.BatchSome.
	Mode contracts.BatchMode
	// MaxBatchSize defaults to DefaultMaxBatchSize and may not exceed MaxBatchLimit.
	MaxBatchSize int
}

// BatchSubmitter sends one batch transaction per call and turns the
// resulting subcall logs into events correlated with the submitted readings.
type BatchSubmitter struct {
	logger       *slog.Logger
	chain        Chain
	builder      PayloadBuilder
	metrics      *metrics.AuditMetrics
	mode         contracts.BatchMode
	maxBatchSize int
}

// NewBatchSubmitter creates a new BatchSubmitter.
func NewBatchSubmitter(cfg *SubmitterConfig) (*BatchSubmitter, error) {
	if cfg == nil {
		return nil, errors.New("submitter config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Chain == nil {
		return nil, errors.New("chain cannot be nil")
	}
	if cfg.Builder == nil {
		return nil, errors.New("builder cannot be nil")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = contracts.BatchSome
	}
	if _, err := contracts.ParseBatchMode(string(mode)); err != nil {
		return nil, err
	}

	size, err := ResolveBatchSize(cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	return &BatchSubmitter{
		logger:       cfg.Logger,
		chain:        cfg.Chain,
		builder:      cfg.Builder,
		metrics:      cfg.Metrics,
		mode:         mode,
		maxBatchSize: size,
	}, nil
}

// ResolveBatchSize applies the default to zero and rejects sizes outside
// [1, MaxBatchLimit].
func ResolveBatchSize(size int) (int, error) {
	if size == 0 {
		return DefaultMaxBatchSize, nil
	}
	if size < 0 || size > MaxBatchLimit {
		return 0, fmt.Errorf("%w: batch size %d outside [1, %d]", ErrInvalidBatch, size, MaxBatchLimit)
	}
	return size, nil
}

// MaxBatchSize returns the effective batch size bound.
func (s *BatchSubmitter) MaxBatchSize() int {
	return s.maxBatchSize
}

// SubmitBatch audits readings in one batch transaction.
//
// The i-th subcall carries the i-th reading whose payload could be built;
// readings whose payload fails are logged and left out. On success it returns
// one event per decoded subcall log. On a rejected or reverted transaction it
// returns an error wrapping ErrSubmissionFailed, on a receipt timeout an
// error wrapping chain.ErrReceiptTimeout, and when no payload could be built
// one wrapping ErrNoPayloads. No events are returned in any of these cases.
func (s *BatchSubmitter) SubmitBatch(ctx context.Context, readings []store.Reading) ([]store.Event, error) {
	logger := loggerFor(ctx, s.logger)

	if len(readings) == 0 || len(readings) > s.maxBatchSize {
		return nil, fmt.Errorf("%w: %d readings, limit %d", ErrInvalidBatch, len(readings), s.maxBatchSize)
	}

	submitted, payloads := s.buildPayloads(ctx, logger, readings)
	if len(submitted) == 0 {
		logger.Error("no reading in batch produced a payload, nothing submitted",
			"reading_ids", readingIDs(readings),
		)
		s.countError("build")
		return nil, fmt.Errorf("%w: reading ids %v", ErrNoPayloads, readingIDs(readings))
	}

	targets := make([]ethtypes.Address0xHex, len(payloads))
	for i := range targets {
		targets[i] = contracts.CallPermitPrecompile
	}

	data, err := contracts.BatchCallData(ctx, s.mode, targets, payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch call: %w", err)
	}

	if s.metrics != nil {
		s.metrics.BatchSize.Observe(float64(len(submitted)))
	}

	pending, err := s.chain.SubmitTransaction(ctx, contracts.BatchPrecompile, big.NewInt(0), data)
	if err != nil {
		s.logFailure(ctx, logger, "batch transaction rejected", submitted, err)
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	logger.Info("batch transaction submitted",
		"tx_hash", pending.Hash.String(),
		"nonce", pending.Nonce,
		"mode", string(s.mode),
		"reading_ids", readingIDs(submitted),
	)

	start := time.Now()
	receipt, err := s.chain.AwaitReceipt(ctx, pending)
	if s.metrics != nil {
		s.metrics.ReceiptWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, chain.ErrReceiptTimeout) {
			logger.Warn("batch outcome indeterminate, readings stay unaudited and may be submitted again",
				"tx_hash", pending.Hash.String(),
				"reading_ids", readingIDs(submitted),
				"error", err,
			)
			s.countBatch("indeterminate")
			s.countError("timeout")
			return nil, err
		}
		s.logFailure(ctx, logger, "batch transaction failed", submitted, err)
		return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	s.countBatch("confirmed")
	return s.correlate(ctx, logger, receipt, submitted), nil
}

// buildPayloads builds forward payloads concurrently and keeps input order.
func (s *BatchSubmitter) buildPayloads(ctx context.Context, logger *slog.Logger, readings []store.Reading) ([]store.Reading, [][]byte) {
	results := make([][]byte, len(readings))
	failures := make([]error, len(readings))

	g, gctx := errgroup.WithContext(ctx)
	for i := range readings {
		g.Go(func() error {
			results[i], failures[i] = s.builder.BuildForward(gctx, MetaReading(readings[i]))
			return nil
		})
	}
	_ = g.Wait()

	submitted := make([]store.Reading, 0, len(readings))
	payloads := make([][]byte, 0, len(readings))
	for i, r := range readings {
		if failures[i] != nil {
			logger.Error("failed to build forward payload, reading left out of batch",
				"reading_id", r.ID,
				"device", r.DeviceAddress,
				"error", failures[i],
			)
			if s.metrics != nil {
				s.metrics.PayloadBuildFailures.Inc()
			}
			continue
		}
		submitted = append(submitted, r)
		payloads = append(payloads, results[i])
	}
	return submitted, payloads
}

// correlate maps each subcall log back to the reading at its batch index.
func (s *BatchSubmitter) correlate(ctx context.Context, logger *slog.Logger, receipt *chain.Receipt, submitted []store.Reading) []store.Event {
	events := make([]store.Event, 0, len(submitted))
	seen := make(map[uint64]bool, len(submitted))

	for _, l := range receipt.Logs {
		ev, err := contracts.DecodeSubcallEvent(ctx, l)
		if err != nil {
			logger.Warn("failed to decode batch log",
				"tx_hash", receipt.TransactionHash.String(),
				"log_index", uint64(l.LogIndex),
				"error", err,
			)
			continue
		}
		if ev == nil {
			continue
		}

		if ev.Index >= uint64(len(submitted)) {
			logger.Error("subcall index out of range, event dropped",
				"tx_hash", receipt.TransactionHash.String(),
				"index", ev.Index,
				"batch_size", len(submitted),
			)
			continue
		}
		if seen[ev.Index] {
			logger.Warn("duplicate subcall event for index",
				"tx_hash", receipt.TransactionHash.String(),
				"index", ev.Index,
			)
			continue
		}
		seen[ev.Index] = true

		events = append(events, newEvent(receipt, ev, submitted[ev.Index].ID))
		if s.metrics != nil {
			s.metrics.SubcallOutcomes.WithLabelValues(string(ev.Outcome)).Inc()
		}
	}

	for i, r := range submitted {
		if !seen[uint64(i)] {
			logger.Warn("no subcall event for submitted reading, it stays unaudited",
				"tx_hash", receipt.TransactionHash.String(),
				"index", i,
				"reading_id", r.ID,
			)
		}
	}

	return events
}

func newEvent(receipt *chain.Receipt, ev *contracts.SubcallEvent, readingID uint) store.Event {
	l := ev.Log

	txHash := receipt.TransactionHash
	if len(txHash) == 0 {
		txHash = l.TransactionHash
	}
	blockHash := l.BlockHash
	if len(blockHash) == 0 {
		blockHash = receipt.BlockHash
	}
	blockNumber := uint64(l.BlockNumber)
	if blockNumber == 0 {
		blockNumber = uint64(receipt.BlockNumber)
	}

	address := contracts.BatchPrecompile.String()
	if l.Address != nil {
		address = l.Address.String()
	}

	topics := make(store.Topics, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.String()
	}

	return store.Event{
		TransactionHash:  txHash.String(),
		BlockHash:        blockHash.String(),
		BlockNumber:      blockNumber,
		Address:          address,
		Data:             l.Data.String(),
		Topics:           topics,
		EventType:        store.EventType(ev.Outcome),
		Index:            ev.Index,
		TransactionIndex: uint64(receipt.TransactionIndex),
		ReadingID:        readingID,
	}
}

func (s *BatchSubmitter) logFailure(ctx context.Context, logger *slog.Logger, msg string, submitted []store.Reading, err error) {
	attrs := []any{
		"mode", string(s.mode),
		"reading_ids", readingIDs(submitted),
		"error", err,
	}

	if revertErr, ok := chain.AsRevert(err); ok {
		reason := revertErr.Reason
		if len(revertErr.Data) > 0 {
			reason = s.chain.DecodeError(ctx, revertErr.Data)
		}
		attrs = append(attrs, "revert_reason", reason)
		if len(revertErr.TransactionHash) > 0 {
			attrs = append(attrs, "tx_hash", revertErr.TransactionHash.String())
		}
		s.countBatch("reverted")
		s.countError("revert")
	} else {
		s.countBatch("failed")
		s.countError("rpc")
	}

	logger.Error(msg, attrs...)
}

func (s *BatchSubmitter) countBatch(status string) {
	if s.metrics != nil {
		s.metrics.BatchesSubmitted.WithLabelValues(string(s.mode), status).Inc()
	}
}

func (s *BatchSubmitter) countError(kind string) {
	if s.metrics != nil {
		s.metrics.SubmissionErrors.WithLabelValues(kind).Inc()
	}
}

// MetaReading converts a stored reading into builder input.
func MetaReading(r store.Reading) metatx.Reading {
	return metatx.Reading{
		DeviceAddress:   r.DeviceAddress,
		Value:           r.Value,
		Timestamp:       r.Timestamp,
		Signature:       r.Signature,
		PermitDeadline:  r.PermitDeadline,
		PermitSignature: r.PermitSignature,
	}
}

func readingIDs(readings []store.Reading) []uint {
	ids := make([]uint, len(readings))
	for i, r := range readings {
		ids[i] = r.ID
	}
	return ids
}
