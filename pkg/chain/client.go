// Package chain is a thin JSON-RPC client for an EVM chain holding a single
// signer key. It reads contract state, submits legacy EIP-155 transactions and
// waits for their receipts.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethsigner"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
	"golang.org/x/crypto/sha3"
)

const (
	defaultGasEstimateFactor   = 1.5
	defaultReceiptTimeout      = 2 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second
	defaultRequestTimeout      = 30 * time.Second
)

// RPC is the subset of rpcbackend.Backend used by the client.
type RPC interface {
	CallRPC(ctx context.Context, result interface{}, method string, params ...interface{}) *rpcbackend.RPCError
}

// Config holds the chain client configuration. It is read once by NewClient.
type Config struct {
	// URL is the JSON-RPC endpoint of the node.
	URL string
	// ChainID is the expected chain id. Zero means use whatever the node reports.
	ChainID int64
	// PrivateKey is the hex encoded secp256k1 key of the relay signer. An empty
	// key gives a read-only client that can Call but not SubmitTransaction.
	PrivateKey string
	// GasEstimateFactor multiplies eth_estimateGas results.
	GasEstimateFactor float64
	// ReceiptTimeout bounds AwaitReceipt.
	ReceiptTimeout time.Duration
	// ReceiptPollInterval is the delay between eth_getTransactionReceipt polls.
	ReceiptPollInterval time.Duration
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// ErrorABI is used to decode revert data.
	ErrorABI abi.ABI
}

// Client submits and tracks transactions for one signer.
type Client struct {
	logger            *slog.Logger
	rpc               RPC
	keypair           *secp256k1.KeyPair
	chainID           int64
	gasEstimateFactor float64
	receiptTimeout    time.Duration
	pollInterval      time.Duration
	errorABI          abi.ABI
}

// NewClient connects to cfg.URL and resolves the chain id.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("chain config cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("chain URL cannot be empty")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	rpc := rpcbackend.NewRPCClient(resty.New().SetBaseURL(cfg.URL).SetTimeout(timeout))
	return NewClientWithRPC(ctx, cfg, rpc, logger)
}

// NewClientWithRPC builds a client on an existing RPC backend.
func NewClientWithRPC(ctx context.Context, cfg *Config, rpc RPC, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("chain config cannot be nil")
	}

	if rpc == nil {
		return nil, errors.New("rpc backend cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	var keypair *secp256k1.KeyPair
	if cfg.PrivateKey != "" {
		kp, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		keypair = kp
	}

	c := &Client{
		logger:            logger,
		rpc:               rpc,
		keypair:           keypair,
		gasEstimateFactor: cfg.GasEstimateFactor,
		receiptTimeout:    cfg.ReceiptTimeout,
		pollInterval:      cfg.ReceiptPollInterval,
		errorABI:          cfg.ErrorABI,
	}

	if c.gasEstimateFactor <= 0 {
		c.gasEstimateFactor = defaultGasEstimateFactor
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = defaultReceiptTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultReceiptPollInterval
	}

	var chainID ethtypes.HexUint64
	if rpcErr := rpc.CallRPC(ctx, &chainID, "eth_chainId"); rpcErr != nil {
		return nil, fmt.Errorf("%w: eth_chainId: %s", ErrRPC, rpcErr.Message)
	}

	c.chainID = int64(chainID.Uint64())
	if cfg.ChainID != 0 && cfg.ChainID != c.chainID {
		return nil, fmt.Errorf("%w: configured %d, node reports %d", ErrChainIDMismatch, cfg.ChainID, c.chainID)
	}

	logger.Info("chain client connected",
		"chain_id", c.chainID,
		"signer", c.Address().String(),
		"read_only", c.ReadOnly(),
	)

	return c, nil
}

// ParsePrivateKey decodes a hex encoded secp256k1 private key.
func ParsePrivateKey(key string) (*secp256k1.KeyPair, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(key), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	return secp256k1.KeyPairFromBytes(b), nil
}

// ChainID returns the chain id resolved at connect time.
func (c *Client) ChainID() int64 {
	return c.chainID
}

// Address returns the relay signer address, or the zero address for a
// read-only client.
func (c *Client) Address() ethtypes.Address0xHex {
	if c.keypair == nil {
		return ethtypes.Address0xHex{}
	}
	return c.keypair.Address
}

// ReadOnly reports whether the client was created without a signer key.
func (c *Client) ReadOnly() bool {
	return c.keypair == nil
}

func (c *Client) fromJSON() json.RawMessage {
	if c.keypair == nil {
		return nil
	}
	return json.RawMessage(fmt.Sprintf("%q", c.keypair.Address.String()))
}

// Call runs eth_call against the latest block.
func (c *Client) Call(ctx context.Context, to ethtypes.Address0xHex, data []byte) (ethtypes.HexBytes0xPrefix, error) {
	tx := &ethsigner.Transaction{
		From: c.fromJSON(),
		To:   &to,
		Data: data,
	}

	var result ethtypes.HexBytes0xPrefix
	if rpcErr := c.rpc.CallRPC(ctx, &result, "eth_call", tx, "latest"); rpcErr != nil {
		return nil, c.classify(ctx, "eth_call", rpcErr)
	}
	return result, nil
}

// SubmitTransaction signs and sends a transaction from the relay signer.
// The nonce comes from the pending pool and the gas limit from eth_estimateGas.
func (c *Client) SubmitTransaction(ctx context.Context, to ethtypes.Address0xHex, value *big.Int, data []byte) (*PendingTransaction, error) {
	if c.keypair == nil {
		return nil, ErrReadOnly
	}

	if value == nil {
		value = big.NewInt(0)
	}

	tx := &ethsigner.Transaction{
		From:  c.fromJSON(),
		To:    &to,
		Value: ethtypes.NewHexInteger(value),
		Data:  data,
	}

	var nonce ethtypes.HexUint64
	if rpcErr := c.rpc.CallRPC(ctx, &nonce, "eth_getTransactionCount", c.keypair.Address.String(), "pending"); rpcErr != nil {
		return nil, c.classify(ctx, "eth_getTransactionCount", rpcErr)
	}

	var gasPrice ethtypes.HexInteger
	if rpcErr := c.rpc.CallRPC(ctx, &gasPrice, "eth_gasPrice"); rpcErr != nil {
		return nil, c.classify(ctx, "eth_gasPrice", rpcErr)
	}

	var gasEstimate ethtypes.HexUint64
	if rpcErr := c.rpc.CallRPC(ctx, &gasEstimate, "eth_estimateGas", tx); rpcErr != nil {
		return nil, c.classify(ctx, "eth_estimateGas", rpcErr)
	}

	gasLimit := uint64(float64(gasEstimate.Uint64()) * c.gasEstimateFactor)
	tx.Nonce = ethtypes.NewHexInteger(new(big.Int).SetUint64(nonce.Uint64()))
	tx.GasPrice = &gasPrice
	tx.GasLimit = ethtypes.NewHexInteger(new(big.Int).SetUint64(gasLimit))

	rawTX, err := c.sign(tx)
	if err != nil {
		return nil, err
	}

	var txHash ethtypes.HexBytes0xPrefix
	if rpcErr := c.rpc.CallRPC(ctx, &txHash, "eth_sendRawTransaction", ethtypes.HexBytes0xPrefix(rawTX)); rpcErr != nil {
		if addr, decoded, err := ethsigner.RecoverRawTransaction(ctx, ethtypes.HexBytes0xPrefix(rawTX), c.chainID); err == nil {
			c.logger.Error("transaction rejected by node",
				"from", addr.String(),
				"nonce", decoded.Nonce,
				"error", rpcErr.Message,
			)
		}
		return nil, c.classify(ctx, "eth_sendRawTransaction", rpcErr)
	}

	c.logger.Debug("transaction submitted",
		"tx_hash", txHash.String(),
		"nonce", nonce.Uint64(),
		"gas_limit", gasLimit,
		"to", to.String(),
	)

	return &PendingTransaction{
		Hash:        txHash,
		Nonce:       nonce.Uint64(),
		To:          to,
		GasLimit:    gasLimit,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// sign produces the raw legacy EIP-155 transaction.
func (c *Client) sign(tx *ethsigner.Transaction) ([]byte, error) {
	sigPayload := tx.SignaturePayloadLegacyEIP155(c.chainID)
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write(sigPayload.Bytes())

	sig, err := c.keypair.SignDirect(hash.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	// EIP-155 finalisation expects a legacy 27/28 starting point
	if sig.V.Int64() < 27 {
		sig.V.SetInt64(sig.V.Int64() + 27)
	}

	rawTX, err := tx.FinalizeLegacyEIP155WithSignature(sigPayload, sig, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize transaction: %w", err)
	}
	return rawTX, nil
}

// GetReceipt returns the receipt for txHash, or nil if it is not mined yet.
func (c *Client) GetReceipt(ctx context.Context, txHash ethtypes.HexBytes0xPrefix) (*Receipt, error) {
	var receipt *Receipt
	if rpcErr := c.rpc.CallRPC(ctx, &receipt, "eth_getTransactionReceipt", txHash); rpcErr != nil {
		return nil, c.classify(ctx, "eth_getTransactionReceipt", rpcErr)
	}
	return receipt, nil
}

// AwaitReceipt polls for the receipt of pending until it is mined or the
// receipt timeout elapses. A mined receipt with a failed status is returned
// together with a *RevertError. Giving up the wait does not cancel the
// transaction, which may still be mined later.
func (c *Client) AwaitReceipt(ctx context.Context, pending *PendingTransaction) (*Receipt, error) {
	if pending == nil {
		return nil, errors.New("pending transaction cannot be nil")
	}

	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, pending.Hash)
		switch {
		case err != nil:
			c.logger.Warn("failed to fetch receipt, will retry",
				"tx_hash", pending.Hash.String(),
				"error", err,
			)
		case receipt != nil:
			if !receipt.Succeeded() {
				return receipt, &RevertError{
					Method:          "transaction",
					Reason:          "execution reverted",
					TransactionHash: pending.Hash,
				}
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s after %s: %w", ErrReceiptTimeout, pending.Hash, time.Since(pending.SubmittedAt).Round(time.Millisecond), ctx.Err())
		case <-ticker.C:
		}
	}
}

// DecodeError renders revert data as a readable reason. Unknown data is
// returned as hex.
func (c *Client) DecodeError(ctx context.Context, revertData []byte) string {
	if len(revertData) == 0 {
		return "no revert data"
	}
	if reason, ok := c.errorABI.ErrorStringCtx(ctx, revertData); ok && reason != "" {
		return reason
	}
	return ethtypes.HexBytes0xPrefix(revertData).String()
}

// classify maps an RPC error to a *RevertError when the node returned revert
// data or a revert message, and to ErrRPC otherwise.
func (c *Client) classify(ctx context.Context, method string, rpcErr *rpcbackend.RPCError) error {
	if len(rpcErr.Data) != 0 {
		var revertData ethtypes.HexBytes0xPrefix
		if err := json.Unmarshal(rpcErr.Data.Bytes(), &revertData); err == nil && len(revertData) > 0 {
			return &RevertError{
				Method: method,
				Reason: c.DecodeError(ctx, revertData),
				Data:   revertData,
			}
		}
	}

	if strings.Contains(strings.ToLower(rpcErr.Message), "revert") {
		return &RevertError{Method: method, Reason: rpcErr.Message}
	}

	return fmt.Errorf("%w: %s: %s", ErrRPC, method, rpcErr.Message)
}
