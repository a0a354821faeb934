package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/pkg/signature"
)

// BatchMode selects the batch precompile entry point.
type BatchMode string

const (
	// BatchSome runs every subcall and reports each outcome.
	BatchSome BatchMode = "batchSome"
	// BatchSomeUntilFailure stops at the first failing subcall.
	BatchSomeUntilFailure BatchMode = "batchSomeUntilFailure"
	// BatchAll reverts the whole transaction if any subcall fails.
	BatchAll BatchMode = "batchAll"
)

// ErrUnknownBatchMode is returned for a batch mode not in the batch ABI.
var ErrUnknownBatchMode = errors.New("contracts: unknown batch mode")

// ParseBatchMode maps a configuration value ("some", "all", "some_until_failure")
// to a BatchMode.
func ParseBatchMode(s string) (BatchMode, error) {
	switch s {
	case "", "some", string(BatchSome):
		return BatchSome, nil
	case "all", string(BatchAll):
		return BatchAll, nil
	case "some_until_failure", string(BatchSomeUntilFailure):
		return BatchSomeUntilFailure, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBatchMode, s)
	}
}

// StoreRecordArgs are the inputs of storeRecord.
type StoreRecordArgs struct {
	Device    ethtypes.Address0xHex
	Value     int64
	Timestamp int64
	Signature *signature.Signature
}

// StoreRecordCallData ABI-encodes storeRecord(device, value, timestamp, v, r, s).
func StoreRecordCallData(ctx context.Context, args StoreRecordArgs) ([]byte, error) {
	if args.Signature == nil {
		return nil, fmt.Errorf("%w: record signature is required", signature.ErrMalformedSignature)
	}
	return encode(ctx, AuditABI, "storeRecord", map[string]interface{}{
		"device":    args.Device.String(),
		"value":     strconv.FormatInt(args.Value, 10),
		"timestamp": strconv.FormatInt(args.Timestamp, 10),
		"v":         args.Signature.V,
		"r":         args.Signature.RHex(),
		"s":         args.Signature.SHex(),
	})
}

// DispatchArgs are the inputs of the call-permit dispatch function.
type DispatchArgs struct {
	From      ethtypes.Address0xHex
	To        ethtypes.Address0xHex
	Value     string
	Data      []byte
	GasLimit  uint64
	Deadline  int64
	Signature *signature.Signature
}

// DispatchCallData ABI-encodes dispatch(from, to, value, data, gaslimit, deadline, v, r, s).
func DispatchCallData(ctx context.Context, args DispatchArgs) ([]byte, error) {
	if args.Signature == nil {
		return nil, fmt.Errorf("%w: permit signature is required", signature.ErrMalformedSignature)
	}
	value := args.Value
	if value == "" {
		value = "0"
	}
	return encode(ctx, CallPermitABI, "dispatch", map[string]interface{}{
		"from":     args.From.String(),
		"to":       args.To.String(),
		"value":    value,
		"data":     ethtypes.HexBytes0xPrefix(args.Data).String(),
		"gaslimit": strconv.FormatUint(args.GasLimit, 10),
		"deadline": strconv.FormatInt(args.Deadline, 10),
		"v":        args.Signature.V,
		"r":        args.Signature.RHex(),
		"s":        args.Signature.SHex(),
	})
}

// BatchCallData ABI-encodes a batch precompile call where every subcall has a
// zero value and no explicit gas limit.
func BatchCallData(ctx context.Context, mode BatchMode, targets []ethtypes.Address0xHex, calls [][]byte) ([]byte, error) {
	if len(targets) != len(calls) {
		return nil, fmt.Errorf("contracts: %d targets for %d calls", len(targets), len(calls))
	}
	if _, ok := BatchABI.Functions()[string(mode)]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBatchMode, mode)
	}

	to := make([]string, len(targets))
	values := make([]string, len(targets))
	callData := make([]string, len(calls))
	for i := range targets {
		to[i] = targets[i].String()
		values[i] = "0"
		callData[i] = ethtypes.HexBytes0xPrefix(calls[i]).String()
	}

	return encode(ctx, BatchABI, string(mode), map[string]interface{}{
		"to":       to,
		"value":    values,
		"callData": callData,
		"gasLimit": []string{},
	})
}

// RegisterAuditorCallData ABI-encodes registerAuditor(auditor).
func RegisterAuditorCallData(ctx context.Context, auditor ethtypes.Address0xHex) ([]byte, error) {
	return encode(ctx, AuditABI, "registerAuditor", map[string]interface{}{
		"auditor": auditor.String(),
	})
}

// IsDeviceRegisteredCallData ABI-encodes isDeviceRegistered(device).
func IsDeviceRegisteredCallData(ctx context.Context, device ethtypes.Address0xHex) ([]byte, error) {
	return encode(ctx, AuditABI, "isDeviceRegistered", map[string]interface{}{
		"device": device.String(),
	})
}

// NoncesCallData ABI-encodes nonces(owner) on the call-permit precompile.
func NoncesCallData(ctx context.Context, owner ethtypes.Address0xHex) ([]byte, error) {
	return encode(ctx, CallPermitABI, "nonces", map[string]interface{}{
		"owner": owner.String(),
	})
}

func function(a abi.ABI, name string) (*abi.Entry, error) {
	fn, ok := a.Functions()[name]
	if !ok {
		return nil, fmt.Errorf("contracts: function %q not in ABI", name)
	}
	return fn, nil
}

func encode(ctx context.Context, a abi.ABI, name string, params map[string]interface{}) ([]byte, error) {
	fn, err := function(a, name)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", name, err)
	}

	data, err := fn.EncodeCallDataJSONCtx(ctx, paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return data, nil
}
