// Package audit batches unaudited readings into call-permit forwarded
// storeRecord calls, submits them through the batch precompile and records
// the per-subcall outcome of each reading.
package audit

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrInvalidBatch is returned for an empty or oversized batch.
	ErrInvalidBatch = errors.New("audit: invalid batch")
	// ErrSubmissionFailed means the batch transaction was rejected or reverted.
	// Nothing was recorded and the readings remain unaudited.
	ErrSubmissionFailed = errors.New("audit: batch submission failed")
	// ErrNoPayloads means no reading in the batch produced a forward payload.
	// Nothing was submitted and the readings remain unaudited.
	ErrNoPayloads = errors.New("audit: no payload could be built for batch")
	// ErrTickInProgress is returned when a tick starts while another is running.
	ErrTickInProgress = errors.New("audit: tick already in progress")
	// ErrBackingOff is returned for ticks skipped after a failed tick.
	ErrBackingOff = errors.New("audit: backing off after failure")
)

type batchIDKey struct{}

// WithBatchID attaches a batch id to ctx for log correlation.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchIDFromContext returns the batch id set by WithBatchID.
func BatchIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(batchIDKey{}).(string)
	return id, ok && id != ""
}

func loggerFor(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id, ok := BatchIDFromContext(ctx); ok {
		return logger.With("batch_id", id)
	}
	return logger
}
