package chain

import (
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
)

// PendingTransaction is the handle returned by SubmitTransaction.
type PendingTransaction struct {
	Hash        ethtypes.HexBytes0xPrefix
	Nonce       uint64
	To          ethtypes.Address0xHex
	GasLimit    uint64
	SubmittedAt time.Time
}

// Receipt is the eth_getTransactionReceipt result.
type Receipt struct {
	BlockHash         ethtypes.HexBytes0xPrefix `json:"blockHash"`
	BlockNumber       ethtypes.HexUint64        `json:"blockNumber"`
	ContractAddress   *ethtypes.Address0xHex    `json:"contractAddress"`
	CumulativeGasUsed *ethtypes.HexInteger      `json:"cumulativeGasUsed"`
	From              *ethtypes.Address0xHex    `json:"from"`
	GasUsed           *ethtypes.HexInteger      `json:"gasUsed"`
	Logs              []*Log                    `json:"logs"`
	Status            *ethtypes.HexInteger      `json:"status"`
	To                *ethtypes.Address0xHex    `json:"to"`
	TransactionHash   ethtypes.HexBytes0xPrefix `json:"transactionHash"`
	TransactionIndex  ethtypes.HexUint64        `json:"transactionIndex"`
}

// Succeeded reports whether the receipt carries a non-zero status.
func (r *Receipt) Succeeded() bool {
	return r.Status != nil && r.Status.BigInt().Sign() != 0
}

// Log is a single event log from a receipt.
type Log struct {
	Removed          bool                        `json:"removed"`
	LogIndex         ethtypes.HexUint64          `json:"logIndex"`
	TransactionIndex ethtypes.HexUint64          `json:"transactionIndex"`
	BlockNumber      ethtypes.HexUint64          `json:"blockNumber"`
	TransactionHash  ethtypes.HexBytes0xPrefix   `json:"transactionHash"`
	BlockHash        ethtypes.HexBytes0xPrefix   `json:"blockHash"`
	Address          *ethtypes.Address0xHex      `json:"address"`
	Data             ethtypes.HexBytes0xPrefix   `json:"data"`
	Topics           []ethtypes.HexBytes0xPrefix `json:"topics"`
}
