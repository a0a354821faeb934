// Package contracts holds the ABIs and addresses the relay talks to: the
// audit contract and the Moonbeam batch and call-permit precompiles.
package contracts

import (
	"encoding/json"

	"github.com/hyperledger/firefly-signer/pkg/abi"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
)

var (
	// BatchPrecompile executes several subcalls in one transaction.
	BatchPrecompile = *ethtypes.MustNewAddress("0x0000000000000000000000000000000000000808")
	// CallPermitPrecompile dispatches calls authorised by an EIP-712 permit.
	CallPermitPrecompile = *ethtypes.MustNewAddress("0x000000000000000000000000000000000000080a")
)

// AuditABIJSON is the interface of the on-chain audit contract.
const AuditABIJSON = `[
  {
    "type": "function",
    "name": "storeRecord",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "device", "type": "address"},
      {"name": "value", "type": "int256"},
      {"name": "timestamp", "type": "uint256"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "isDeviceRegistered",
    "stateMutability": "view",
    "inputs": [{"name": "device", "type": "address"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "registerAuditor",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "auditor", "type": "address"}],
    "outputs": []
  },
  {
    "type": "event",
    "name": "RecordStored",
    "anonymous": false,
    "inputs": [
      {"name": "device", "type": "address", "indexed": true},
      {"name": "timestamp", "type": "uint256", "indexed": false},
      {"name": "value", "type": "int256", "indexed": false}
    ]
  },
  {"type": "error", "name": "Error", "inputs": [{"name": "reason", "type": "string"}]},
  {"type": "error", "name": "DeviceNotRegistered", "inputs": [{"name": "device", "type": "address"}]},
  {"type": "error", "name": "AuditorNotRegistered", "inputs": [{"name": "auditor", "type": "address"}]},
  {"type": "error", "name": "InvalidRecordSignature", "inputs": []}
]`

// CallPermitABIJSON is the interface of the call-permit precompile.
const CallPermitABIJSON = `[
  {
    "type": "function",
    "name": "dispatch",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "from", "type": "address"},
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "data", "type": "bytes"},
      {"name": "gaslimit", "type": "uint64"},
      {"name": "deadline", "type": "uint256"},
      {"name": "v", "type": "uint8"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"}
    ],
    "outputs": [{"name": "output", "type": "bytes"}]
  },
  {
    "type": "function",
    "name": "nonces",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "DOMAIN_SEPARATOR",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "bytes32"}]
  }
]`

// BatchABIJSON is the interface of the batch precompile.
const BatchABIJSON = `[
  {
    "type": "function",
    "name": "batchSome",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address[]"},
      {"name": "value", "type": "uint256[]"},
      {"name": "callData", "type": "bytes[]"},
      {"name": "gasLimit", "type": "uint64[]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "batchSomeUntilFailure",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address[]"},
      {"name": "value", "type": "uint256[]"},
      {"name": "callData", "type": "bytes[]"},
      {"name": "gasLimit", "type": "uint64[]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "batchAll",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address[]"},
      {"name": "value", "type": "uint256[]"},
      {"name": "callData", "type": "bytes[]"},
      {"name": "gasLimit", "type": "uint64[]"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "SubcallFailed",
    "anonymous": false,
    "inputs": [{"name": "index", "type": "uint256", "indexed": false}]
  },
  {
    "type": "event",
    "name": "SubcallSucceeded",
    "anonymous": false,
    "inputs": [{"name": "index", "type": "uint256", "indexed": false}]
  }
]`

var (
	AuditABI      = mustParseABI(AuditABIJSON)
	CallPermitABI = mustParseABI(CallPermitABIJSON)
	BatchABI      = mustParseABI(BatchABIJSON)
)

func mustParseABI(s string) abi.ABI {
	var a abi.ABI
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		panic(err)
	}
	return a
}

// ErrorABI returns every custom error the relay may see in revert data.
func ErrorABI() abi.ABI {
	var errs abi.ABI
	for _, e := range AuditABI {
		if e.Type == abi.Error {
			errs = append(errs, e)
		}
	}
	return errs
}
