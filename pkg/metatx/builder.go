// Package metatx builds the call-permit payloads that let the relay pay gas
// for a device's storeRecord call. Everything here is deterministic and does
// no I/O.
package metatx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/hyperledger/firefly-signer/pkg/eip712"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/signature"
)

const (
	// DefaultGasLimit is the per-subcall gas limit signed into each permit.
	DefaultGasLimit uint64 = 200000
	// DefaultRecordDomainName is the EIP-712 domain name of the audit contract.
	DefaultRecordDomainName = "IoTAudit"
	// DefaultRecordDomainVersion is the EIP-712 domain version of the audit contract.
	DefaultRecordDomainVersion = "1"

	permitDomainName    = "Call Permit Precompile"
	permitDomainVersion = "1"
)

var (
	// ErrNoPermit is returned for a reading without a permit deadline and signature.
	ErrNoPermit = errors.New("metatx: reading has no permit")
	// ErrSignerMismatch is returned when a signature does not recover to the device.
	ErrSignerMismatch = errors.New("metatx: signature does not match device")
)

// Config is fixed at startup and shared by every builder call.
type Config struct {
	ChainID             int64
	AuditContract       ethtypes.Address0xHex
	RecordDomainName    string
	RecordDomainVersion string
	GasLimit            uint64
}

// Reading is the subset of a stored reading needed to build its forward call.
type Reading struct {
	DeviceAddress   string
	Value           int64
	Timestamp       int64
	Signature       string
	PermitDeadline  *int64
	PermitSignature *string
}

// HasPermit reports whether both permit fields are set.
func (r Reading) HasPermit() bool {
	return r.PermitDeadline != nil && r.PermitSignature != nil && *r.PermitSignature != ""
}

// ForwardCall are the dispatch arguments for one permit-forwarded call.
type ForwardCall struct {
	From     ethtypes.Address0xHex
	To       ethtypes.Address0xHex
	Data     []byte
	GasLimit uint64
	Deadline int64
	Permit   *signature.Signature
}

// Builder composes storeRecord and dispatch call data.
type Builder struct {
	cfg Config
}

// NewBuilder validates cfg and fills defaults.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	if cfg.AuditContract == (ethtypes.Address0xHex{}) {
		return nil, errors.New("audit contract address cannot be empty")
	}
	if cfg.RecordDomainName == "" {
		cfg.RecordDomainName = DefaultRecordDomainName
	}
	if cfg.RecordDomainVersion == "" {
		cfg.RecordDomainVersion = DefaultRecordDomainVersion
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	return &Builder{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// RecordTypedData is the EIP-712 message a device signs for a reading.
func (b *Builder) RecordTypedData(device ethtypes.Address0xHex, value, timestamp int64) *eip712.TypedData {
	return &eip712.TypedData{
		Types: eip712.TypeSet{
			eip712.EIP712Domain: domainType(),
			"Record": {
				{Name: "device", Type: "address"},
				{Name: "value", Type: "int256"},
				{Name: "timestamp", Type: "uint256"},
			},
		},
		PrimaryType: "Record",
		Domain: map[string]interface{}{
			"name":              b.cfg.RecordDomainName,
			"version":           b.cfg.RecordDomainVersion,
			"chainId":           strconv.FormatInt(b.cfg.ChainID, 10),
			"verifyingContract": b.cfg.AuditContract.String(),
		},
		Message: map[string]interface{}{
			"device":    device.String(),
			"value":     strconv.FormatInt(value, 10),
			"timestamp": strconv.FormatInt(timestamp, 10),
		},
	}
}

// PermitTypedData is the EIP-712 call permit a device signs to let the relay
// dispatch data to the audit contract on its behalf.
func (b *Builder) PermitTypedData(from ethtypes.Address0xHex, data []byte, nonce *big.Int, deadline int64) *eip712.TypedData {
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	return &eip712.TypedData{
		Types: eip712.TypeSet{
			eip712.EIP712Domain: domainType(),
			"CallPermit": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "gaslimit", Type: "uint64"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "CallPermit",
		Domain: map[string]interface{}{
			"name":              permitDomainName,
			"version":           permitDomainVersion,
			"chainId":           strconv.FormatInt(b.cfg.ChainID, 10),
			"verifyingContract": contracts.CallPermitPrecompile.String(),
		},
		Message: map[string]interface{}{
			"from":     from.String(),
			"to":       b.cfg.AuditContract.String(),
			"value":    "0",
			"data":     ethtypes.HexBytes0xPrefix(data).String(),
			"gaslimit": strconv.FormatUint(b.cfg.GasLimit, 10),
			"nonce":    nonce.String(),
			"deadline": strconv.FormatInt(deadline, 10),
		},
	}
}

func domainType() eip712.Type {
	return eip712.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// EncodeStoreRecord returns the storeRecord call data for r, carrying the
// device's record signature.
func (b *Builder) EncodeStoreRecord(ctx context.Context, r Reading) ([]byte, error) {
	device, err := ethtypes.NewAddress(r.DeviceAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", r.DeviceAddress, err)
	}

	sig, err := signature.DecomposeHex(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("record signature: %w", err)
	}

	return contracts.StoreRecordCallData(ctx, contracts.StoreRecordArgs{
		Device:    *device,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Signature: sig,
	})
}

// EncodeForward returns the call-permit dispatch call data for call. The
// forwarded value is always zero.
func (b *Builder) EncodeForward(ctx context.Context, call ForwardCall) ([]byte, error) {
	gasLimit := call.GasLimit
	if gasLimit == 0 {
		gasLimit = b.cfg.GasLimit
	}
	return contracts.DispatchCallData(ctx, contracts.DispatchArgs{
		From:      call.From,
		To:        call.To,
		Value:     "0",
		Data:      call.Data,
		GasLimit:  gasLimit,
		Deadline:  call.Deadline,
		Signature: call.Permit,
	})
}

// BuildForward builds the complete dispatch payload for a reading with a permit.
func (b *Builder) BuildForward(ctx context.Context, r Reading) ([]byte, error) {
	if !r.HasPermit() {
		return nil, ErrNoPermit
	}

	device, err := ethtypes.NewAddress(r.DeviceAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", r.DeviceAddress, err)
	}

	permit, err := signature.DecomposeHex(*r.PermitSignature)
	if err != nil {
		return nil, fmt.Errorf("permit signature: %w", err)
	}

	inner, err := b.EncodeStoreRecord(ctx, r)
	if err != nil {
		return nil, err
	}

	return b.EncodeForward(ctx, ForwardCall{
		From:     *device,
		To:       b.cfg.AuditContract,
		Data:     inner,
		GasLimit: b.cfg.GasLimit,
		Deadline: *r.PermitDeadline,
		Permit:   permit,
	})
}
