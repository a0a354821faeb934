package contracts

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/hyperledger/firefly-signer/pkg/abi"

	"procodus.dev/iot-audit/pkg/chain"
)

// SubcallOutcome names the batch precompile event emitted for a subcall.
type SubcallOutcome string

const (
	SubcallSucceeded SubcallOutcome = "SubcallSucceeded"
	SubcallFailed    SubcallOutcome = "SubcallFailed"
)

// SubcallEvent is a decoded SubcallSucceeded or SubcallFailed log.
type SubcallEvent struct {
	Outcome SubcallOutcome
	// Index is the position of the subcall in the batch.
	Index uint64
	Log   *chain.Log
}

var (
	subcallSucceededEvent = BatchABI.Events()[string(SubcallSucceeded)]
	subcallFailedEvent    = BatchABI.Events()[string(SubcallFailed)]
	subcallSucceededTopic = subcallSucceededEvent.SignatureHashBytes()
	subcallFailedTopic    = subcallFailedEvent.SignatureHashBytes()
)

// SubcallTopic returns topic0 of the event for outcome.
func SubcallTopic(outcome SubcallOutcome) []byte {
	if outcome == SubcallFailed {
		return subcallFailedTopic
	}
	return subcallSucceededTopic
}

// DecodeSubcallEvent decodes a batch precompile subcall log. It returns nil
// without error for logs emitted by other contracts or for other events.
func DecodeSubcallEvent(ctx context.Context, log *chain.Log) (*SubcallEvent, error) {
	if log == nil || len(log.Topics) == 0 {
		return nil, nil
	}
	if log.Address != nil && *log.Address != BatchPrecompile {
		return nil, nil
	}

	var (
		entry   *abi.Entry
		outcome SubcallOutcome
	)
	switch {
	case bytes.Equal(log.Topics[0], subcallSucceededTopic):
		entry, outcome = subcallSucceededEvent, SubcallSucceeded
	case bytes.Equal(log.Topics[0], subcallFailedTopic):
		entry, outcome = subcallFailedEvent, SubcallFailed
	default:
		return nil, nil
	}

	cv, err := entry.DecodeEventDataCtx(ctx, log.Topics, log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s log: %w", outcome, err)
	}
	if len(cv.Children) != 1 {
		return nil, fmt.Errorf("unexpected %s payload with %d fields", outcome, len(cv.Children))
	}

	index, ok := cv.Children[0].Value.(*big.Int)
	if !ok || !index.IsUint64() {
		return nil, fmt.Errorf("unexpected %s index %v", outcome, cv.Children[0].Value)
	}

	return &SubcallEvent{
		Outcome: outcome,
		Index:   index.Uint64(),
		Log:     log,
	}, nil
}
