package backend

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"

	"procodus.dev/iot-audit/internal/audit"
	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/signature"
)

var (
	// ErrUnknownDevice is returned for readings from a device the backend has not seen.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceNotRegistered is returned when the audit contract does not know the device.
	ErrDeviceNotRegistered = errors.New("device not registered on chain")
	// ErrAuditorOnboardingPending is returned while the device's auditor awaits registration.
	ErrAuditorOnboardingPending = errors.New("auditor onboarding pending")
	// ErrAuditPending is returned for a permit reading while the device still has one unaudited.
	ErrAuditPending = errors.New("audit pending for device")
	// ErrIncompletePermit is returned when only one of the permit fields is set.
	ErrIncompletePermit = errors.New("permit deadline and signature must be set together")
	// ErrPermitExpired is returned for a permit whose deadline has passed.
	ErrPermitExpired = errors.New("permit deadline has passed")
	// ErrInvalidPermit is returned for a permit the device did not sign for its current nonce.
	ErrInvalidPermit = errors.New("permit not signed by device for its current nonce")
)

// ValidationError marks a reading that can never be accepted. Consumers ack
// and drop these instead of requeueing them.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid reading: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error) error {
	return &ValidationError{Err: err}
}

// IsValidationError reports whether err rejects the message permanently.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RejectionReason returns a short metric label for a validation error.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrDeviceNotRegistered):
		return "device_not_registered"
	case errors.Is(err, ErrAuditorOnboardingPending):
		return "auditor_onboarding_pending"
	case errors.Is(err, ErrAuditPending):
		return "audit_pending"
	case errors.Is(err, ErrIncompletePermit), errors.Is(err, ErrPermitExpired), errors.Is(err, ErrInvalidPermit):
		return "permit"
	case errors.Is(err, signature.ErrMalformedSignature), errors.Is(err, metatx.ErrSignerMismatch):
		return "signature"
	default:
		return "malformed"
	}
}

// ReadingStore is the store access needed to validate a reading.
type ReadingStore interface {
	FindDevice(ctx context.Context, address string) (*store.Device, error)
	FindAuditor(ctx context.Context, address string) (*store.Auditor, error)
	IsAuditPending(ctx context.Context, device string, now int64) (bool, error)
}

// DeviceRegistry reads device state from the audit contract.
// *contracts.Registry implements it.
type DeviceRegistry interface {
	IsDeviceRegistered(ctx context.Context, device ethtypes.Address0xHex) (bool, error)
	PermitNonce(ctx context.Context, owner ethtypes.Address0xHex) (*big.Int, error)
}

// RecordVerifier checks a reading's record and permit signatures.
// *metatx.Builder implements it.
type RecordVerifier interface {
	VerifyRecord(ctx context.Context, r metatx.Reading) error
	VerifyPermit(ctx context.Context, r metatx.Reading, nonce *big.Int) error
}

// ValidatorConfig holds the configuration for the Validator.
type ValidatorConfig struct {
	Store ReadingStore
	// Registry is optional. Without it the on-chain registration check and
	// the permit nonce check are skipped.
	Registry DeviceRegistry
	Verifier RecordVerifier
	Now      func() time.Time
}

// Validator turns reading messages into store readings.
type Validator struct {
	store    ReadingStore
	registry DeviceRegistry
	verifier RecordVerifier
	now      func() time.Time
}

// NewValidator creates a new Validator instance.
func NewValidator(cfg *ValidatorConfig) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("validator config cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Verifier == nil {
		return nil, errors.New("record verifier cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		store:    cfg.Store,
		registry: cfg.Registry,
		verifier: cfg.Verifier,
		now:      now,
	}, nil
}

// Validate checks msg and returns the reading to store. Rejections are
// *ValidationError values; any other error is transient.
func (v *Validator) Validate(ctx context.Context, msg *auditapi.ReadingMessage) (*store.Reading, error) {
	deviceAddr, err := ethtypes.NewAddress(msg.DeviceAddress)
	if err != nil {
		return nil, invalid(fmt.Errorf("device address %q: %w", msg.DeviceAddress, err))
	}
	address := store.NormalizeAddress(deviceAddr.String())

	reading := &store.Reading{
		DeviceAddress: address,
		Value:         msg.Value,
		Timestamp:     msg.Timestamp,
		Signature:     msg.Signature,
	}

	if _, err := signature.DecomposeHex(msg.Signature); err != nil {
		return nil, invalid(fmt.Errorf("record signature: %w", err))
	}

	now := v.now().Unix()
	if msg.HasPermit() {
		if msg.PermitDeadline == nil || msg.PermitSignature == nil || *msg.PermitSignature == "" {
			return nil, invalid(ErrIncompletePermit)
		}
		if *msg.PermitDeadline <= now {
			return nil, invalid(fmt.Errorf("%w: deadline %d, now %d", ErrPermitExpired, *msg.PermitDeadline, now))
		}
		if _, err := signature.DecomposeHex(*msg.PermitSignature); err != nil {
			return nil, invalid(fmt.Errorf("permit signature: %w", err))
		}
		reading.PermitDeadline = msg.PermitDeadline
		reading.PermitSignature = msg.PermitSignature
	}

	device, err := v.store.FindDevice(ctx, address)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, invalid(fmt.Errorf("%w: %s", ErrUnknownDevice, address))
	}

	if v.registry != nil {
		registered, err := v.registry.IsDeviceRegistered(ctx, *deviceAddr)
		if err != nil {
			return nil, err
		}
		if !registered {
			return nil, invalid(fmt.Errorf("%w: %s", ErrDeviceNotRegistered, address))
		}
	}

	auditor, err := v.store.FindAuditor(ctx, device.AuditorAddress)
	if err != nil {
		return nil, err
	}
	if auditor == nil || auditor.IsOnboardingPending {
		return nil, invalid(fmt.Errorf("%w: %s", ErrAuditorOnboardingPending, device.AuditorAddress))
	}

	if reading.HasPermit() {
		pending, err := v.store.IsAuditPending(ctx, address, now)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, invalid(fmt.Errorf("%w: %s", ErrAuditPending, address))
		}
	}

	meta := audit.MetaReading(*reading)
	if err := v.verifier.VerifyRecord(ctx, meta); err != nil {
		return nil, invalid(fmt.Errorf("record signature: %w", err))
	}

	if reading.HasPermit() && v.registry != nil {
		nonce, err := v.registry.PermitNonce(ctx, *deviceAddr)
		if err != nil {
			return nil, err
		}
		if err := v.verifier.VerifyPermit(ctx, meta, nonce); err != nil {
			return nil, invalid(fmt.Errorf("%w: nonce %s: %w", ErrInvalidPermit, nonce, err))
		}
	}

	return reading, nil
}
