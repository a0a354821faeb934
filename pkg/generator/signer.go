package generator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/metatx"
	"procodus.dev/iot-audit/pkg/metrics"
)

// DefaultPermitTTL is how long a signed permit stays valid.
const DefaultPermitTTL = time.Hour

// ErrNonceUnavailable is returned when the permit nonce cannot be read.
var ErrNonceUnavailable = errors.New("generator: permit nonce unavailable")

// NonceSource reads a device's current call-permit nonce.
type NonceSource interface {
	PermitNonce(ctx context.Context, owner ethtypes.Address0xHex) (*big.Int, error)
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	Builder *metatx.Builder
	// Nonces is optional. Without it nonces are counted locally per device,
	// starting at zero.
	Nonces    NonceSource
	PermitTTL time.Duration
	Metrics   *metrics.GeneratorMetrics
	Now       func() time.Time
}

// Signer turns measurements into signed reading messages.
type Signer struct {
	builder   *metatx.Builder
	nonces    NonceSource
	permitTTL time.Duration
	metrics   *metrics.GeneratorMetrics
	now       func() time.Time

	mu          sync.Mutex
	localNonces map[ethtypes.Address0xHex]int64
}

// NewSigner creates a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Builder == nil {
		return nil, errors.New("builder cannot be nil")
	}

	ttl := cfg.PermitTTL
	if ttl <= 0 {
		ttl = DefaultPermitTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Signer{
		builder:     cfg.Builder,
		nonces:      cfg.Nonces,
		permitTTL:   ttl,
		metrics:     cfg.Metrics,
		now:         now,
		localNonces: make(map[ethtypes.Address0xHex]int64),
	}, nil
}

// Sign signs value measured at timestamp by d. With withPermit the message
// also carries a call permit for the relay to submit it gas-free.
func (s *Signer) Sign(ctx context.Context, d *Device, value, timestamp int64, withPermit bool) (*auditapi.ReadingMessage, error) {
	record, err := s.timed("record", func() (string, error) {
		return s.builder.SignRecord(ctx, d.Key, value, timestamp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign record: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ReadingsSigned.Inc()
	}

	msg := &auditapi.ReadingMessage{
		DeviceAddress: d.Address().String(),
		Value:         value,
		Timestamp:     timestamp,
		Signature:     record,
	}
	if !withPermit {
		return msg, nil
	}

	nonce, err := s.nonce(ctx, d.Address())
	if err != nil {
		return nil, err
	}

	deadline := s.now().Add(s.permitTTL).Unix()
	permit, err := s.timed("permit", func() (string, error) {
		return s.builder.SignPermit(ctx, d.Key, metatx.Reading{
			DeviceAddress: msg.DeviceAddress,
			Value:         value,
			Timestamp:     timestamp,
			Signature:     record,
		}, nonce, deadline)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PermitsSigned.Inc()
	}

	if s.nonces == nil {
		s.mu.Lock()
		s.localNonces[d.Address()]++
		s.mu.Unlock()
	}

	msg.PermitDeadline = &deadline
	msg.PermitSignature = &permit
	return msg, nil
}

func (s *Signer) nonce(ctx context.Context, device ethtypes.Address0xHex) (*big.Int, error) {
	if s.nonces == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return big.NewInt(s.localNonces[device]), nil
	}

	n, err := s.nonces.PermitNonce(ctx, device)
	if err != nil {
		if s.metrics != nil {
			s.metrics.NonceLookupFailure.Inc()
		}
		return nil, fmt.Errorf("%w: %w", ErrNonceUnavailable, err)
	}
	return n, nil
}

func (s *Signer) timed(kind string, sign func() (string, error)) (string, error) {
	if s.metrics == nil {
		return sign()
	}
	timer := prometheus.NewTimer(s.metrics.SigningDuration.WithLabelValues(kind))
	defer timer.ObserveDuration()
	return sign()
}
