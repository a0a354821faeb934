package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
)

// Caller runs read-only contract calls. *chain.Client implements it.
type Caller interface {
	Call(ctx context.Context, to ethtypes.Address0xHex, data []byte) (ethtypes.HexBytes0xPrefix, error)
}

// Registry reads device registration and permit nonces from the chain.
type Registry struct {
	caller        Caller
	auditContract ethtypes.Address0xHex
}

// NewRegistry returns a Registry for the audit contract at auditContract.
func NewRegistry(caller Caller, auditContract ethtypes.Address0xHex) (*Registry, error) {
	if caller == nil {
		return nil, errors.New("caller cannot be nil")
	}
	return &Registry{caller: caller, auditContract: auditContract}, nil
}

// IsDeviceRegistered reports whether the audit contract knows device.
func (r *Registry) IsDeviceRegistered(ctx context.Context, device ethtypes.Address0xHex) (bool, error) {
	data, err := IsDeviceRegisteredCallData(ctx, device)
	if err != nil {
		return false, err
	}

	res, err := r.caller.Call(ctx, r.auditContract, data)
	if err != nil {
		return false, fmt.Errorf("isDeviceRegistered(%s): %w", device, err)
	}

	v, err := decodeSingleInt(ctx, AuditABI, "isDeviceRegistered", res)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// PermitNonce returns the current call-permit nonce of owner.
func (r *Registry) PermitNonce(ctx context.Context, owner ethtypes.Address0xHex) (*big.Int, error) {
	data, err := NoncesCallData(ctx, owner)
	if err != nil {
		return nil, err
	}

	res, err := r.caller.Call(ctx, CallPermitPrecompile, data)
	if err != nil {
		return nil, fmt.Errorf("nonces(%s): %w", owner, err)
	}
	return decodeSingleInt(ctx, CallPermitABI, "nonces", res)
}

// decodeSingleInt decodes a single uint or bool output, both of which the
// ABI decoder returns as *big.Int.
func decodeSingleInt(ctx context.Context, a abi.ABI, name string, res []byte) (*big.Int, error) {
	fn, err := function(a, name)
	if err != nil {
		return nil, err
	}

	cv, err := fn.Outputs.DecodeABIDataCtx(ctx, res, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", name, err)
	}
	if len(cv.Children) != 1 {
		return nil, fmt.Errorf("unexpected %s result with %d fields", name, len(cv.Children))
	}

	v, ok := cv.Children[0].Value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result %v", name, cv.Children[0].Value)
	}
	return v, nil
}
