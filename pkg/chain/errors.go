package chain

import (
	"errors"
	"fmt"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
)

var (
	// ErrRPC wraps node and transport failures. These are transient and safe to retry.
	ErrRPC = errors.New("chain: rpc request failed")
	// ErrReceiptTimeout means the transaction may or may not be mined. Callers must
	// re-check chain state before resubmitting.
	ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")
	// ErrChainIDMismatch is returned when the node reports a different chain id than configured.
	ErrChainIDMismatch = errors.New("chain: chain id mismatch")
	// ErrInvalidKey is returned when the signer key cannot be parsed.
	ErrInvalidKey = errors.New("chain: invalid signer key")
	// ErrReadOnly is returned by SubmitTransaction on a client without a signer key.
	ErrReadOnly = errors.New("chain: client has no signer key")
)

// RevertError reports a call or transaction rejected by the EVM. It is not retryable
// with the same inputs.
type RevertError struct {
	Method          string
	Reason          string
	Data            ethtypes.HexBytes0xPrefix
	TransactionHash ethtypes.HexBytes0xPrefix
}

func (e *RevertError) Error() string {
	if len(e.TransactionHash) > 0 {
		return fmt.Sprintf("chain: transaction %s reverted: %s", e.TransactionHash, e.Reason)
	}
	return fmt.Sprintf("chain: %s reverted: %s", e.Method, e.Reason)
}

// AsRevert unwraps err into a *RevertError if it carries one.
func AsRevert(err error) (*RevertError, bool) {
	var revertErr *RevertError
	if errors.As(err, &revertErr) {
		return revertErr, true
	}
	return nil, false
}
