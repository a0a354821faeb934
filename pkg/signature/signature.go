// Package signature encodes and decodes secp256k1 (v,r,s) signatures and
// computes EIP-712 typed-data digests. It performs no I/O.
package signature

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/hyperledger/firefly-signer/pkg/eip712"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
)

// Length is the size in bytes of a compact R||S||V signature.
const Length = 65

var (
	// ErrMalformedSignature is returned when a signature has the wrong length or an invalid V.
	ErrMalformedSignature = errors.New("signature: malformed signature")
	// ErrInvalidDigest is returned when a digest is not 32 bytes long.
	ErrInvalidDigest = errors.New("signature: digest must be 32 bytes")
)

// Signature is a decomposed ECDSA signature with V in the legacy 27/28 form.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Decompose splits a 65 byte R||S||V signature. V values of 0/1 are
// normalised to 27/28.
func Decompose(sig []byte) (*Signature, error) {
	if len(sig) != Length {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, Length, len(sig))
	}

	v := sig[64]
	switch v {
	case 0, 1:
		v += 27
	case 27, 28:
	default:
		return nil, fmt.Errorf("%w: invalid recovery id %d", ErrMalformedSignature, v)
	}

	s := &Signature{V: v}
	copy(s.R[:], sig[0:32])
	copy(s.S[:], sig[32:64])
	return s, nil
}

// DecomposeHex decodes a 0x-prefixed hex signature and decomposes it.
func DecomposeHex(sig string) (*Signature, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return Decompose(b)
}

// Recompose joins v, r and s into the 65 byte R||S||V form.
func Recompose(v uint8, r, s [32]byte) []byte {
	out := make([]byte, Length)
	copy(out[0:32], r[:])
	copy(out[32:64], s[:])
	out[64] = v
	return out
}

// Bytes returns the 65 byte R||S||V encoding.
func (s *Signature) Bytes() []byte {
	return Recompose(s.V, s.R, s.S)
}

// Hex returns the 0x-prefixed hex encoding.
func (s *Signature) Hex() string {
	return ethtypes.HexBytes0xPrefix(s.Bytes()).String()
}

// RHex returns R as a 0x-prefixed bytes32 hex string.
func (s *Signature) RHex() string {
	return ethtypes.HexBytes0xPrefix(s.R[:]).String()
}

// SHex returns S as a 0x-prefixed bytes32 hex string.
func (s *Signature) SHex() string {
	return ethtypes.HexBytes0xPrefix(s.S[:]).String()
}

// RecoverSigner recovers the address that produced sig over a 32 byte digest.
func RecoverSigner(digest []byte, sig []byte) (ethtypes.Address0xHex, error) {
	if len(digest) != 32 {
		return ethtypes.Address0xHex{}, ErrInvalidDigest
	}

	decomposed, err := Decompose(sig)
	if err != nil {
		return ethtypes.Address0xHex{}, err
	}

	sigData := &secp256k1.SignatureData{
		V: big.NewInt(int64(decomposed.V)),
		R: new(big.Int).SetBytes(decomposed.R[:]),
		S: new(big.Int).SetBytes(decomposed.S[:]),
	}

	addr, err := sigData.RecoverDirect(digest, 0)
	if err != nil {
		return ethtypes.Address0xHex{}, fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	return *addr, nil
}

// Sign signs a 32 byte digest without further hashing and returns the
// R||S||V encoding with V as 27/28.
func Sign(kp *secp256k1.KeyPair, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}

	sigData, err := kp.SignDirect(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	v := sigData.V.Int64()
	if v < 27 {
		v += 27
	}

	out := &Signature{V: uint8(v)}
	sigData.R.FillBytes(out.R[:])
	sigData.S.FillBytes(out.S[:])
	return out.Bytes(), nil
}

// TypedDataDigest returns the EIP-712 (v4) digest of the typed data.
func TypedDataDigest(ctx context.Context, typedData *eip712.TypedData) ([]byte, error) {
	digest, err := eip712.EncodeTypedDataV4(ctx, typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}
	return digest, nil
}

// RecoverTypedDataSigner recovers the signer of an EIP-712 message.
func RecoverTypedDataSigner(ctx context.Context, typedData *eip712.TypedData, sig []byte) (ethtypes.Address0xHex, error) {
	digest, err := TypedDataDigest(ctx, typedData)
	if err != nil {
		return ethtypes.Address0xHex{}, err
	}
	return RecoverSigner(digest, sig)
}
