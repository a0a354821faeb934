package metatx

import (
	"context"
	"fmt"
	"math/big"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"

	"procodus.dev/iot-audit/pkg/signature"
)

// SignRecord signs the Record typed data of a reading with the device key and
// returns the 0x hex signature.
func (b *Builder) SignRecord(ctx context.Context, kp *secp256k1.KeyPair, value, timestamp int64) (string, error) {
	digest, err := signature.TypedDataDigest(ctx, b.RecordTypedData(kp.Address, value, timestamp))
	if err != nil {
		return "", err
	}
	sig, err := signature.Sign(kp, digest)
	if err != nil {
		return "", err
	}
	return ethtypes.HexBytes0xPrefix(sig).String(), nil
}

// SignPermit signs a call permit authorising the relay to forward the
// reading's storeRecord call until deadline.
func (b *Builder) SignPermit(ctx context.Context, kp *secp256k1.KeyPair, r Reading, nonce *big.Int, deadline int64) (string, error) {
	inner, err := b.EncodeStoreRecord(ctx, r)
	if err != nil {
		return "", err
	}

	digest, err := signature.TypedDataDigest(ctx, b.PermitTypedData(kp.Address, inner, nonce, deadline))
	if err != nil {
		return "", err
	}
	sig, err := signature.Sign(kp, digest)
	if err != nil {
		return "", err
	}
	return ethtypes.HexBytes0xPrefix(sig).String(), nil
}

// VerifyRecord checks that the reading's record signature was made by its device.
func (b *Builder) VerifyRecord(ctx context.Context, r Reading) error {
	device, err := ethtypes.NewAddress(r.DeviceAddress)
	if err != nil {
		return fmt.Errorf("invalid device address %q: %w", r.DeviceAddress, err)
	}

	sig, err := signature.DecomposeHex(r.Signature)
	if err != nil {
		return err
	}

	signer, err := signature.RecoverTypedDataSigner(ctx, b.RecordTypedData(*device, r.Value, r.Timestamp), sig.Bytes())
	if err != nil {
		return err
	}
	if signer != *device {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignerMismatch, signer, device)
	}
	return nil
}

// VerifyPermit checks that the permit signature was made by the device for
// the given nonce.
func (b *Builder) VerifyPermit(ctx context.Context, r Reading, nonce *big.Int) error {
	if !r.HasPermit() {
		return ErrNoPermit
	}

	device, err := ethtypes.NewAddress(r.DeviceAddress)
	if err != nil {
		return fmt.Errorf("invalid device address %q: %w", r.DeviceAddress, err)
	}

	sig, err := signature.DecomposeHex(*r.PermitSignature)
	if err != nil {
		return err
	}

	inner, err := b.EncodeStoreRecord(ctx, r)
	if err != nil {
		return err
	}

	signer, err := signature.RecoverTypedDataSigner(ctx, b.PermitTypedData(*device, inner, nonce, *r.PermitDeadline), sig.Bytes())
	if err != nil {
		return err
	}
	if signer != *device {
		return fmt.Errorf("%w: permit recovered %s, expected %s", ErrSignerMismatch, signer, device)
	}
	return nil
}
