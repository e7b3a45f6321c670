// Package ledger registers and resolves logical-key -> CID pointers on a
// distributed ledger through the minimal TrafficStorage contract. Writes are
// fee-metered transactions ordered by a per-signer sequence number; reads
// are free calls.
package ledger

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/smartcity-labs/traffic-storage/api"
)

var log = logging.Logger("ledger")

// Client is the ledger surface the storage manager consumes.
type Client interface {
	// Register overwrites the pointer for key with cid. It returns only
	// after the transaction is confirmed; a submitted-but-unconfirmed
	// transaction is not a completed write.
	Register(ctx context.Context, key api.RecordKey, cid string) (*api.TxReceipt, error)
	// Resolve returns the CID registered for key, or NotFoundError when the
	// mapping entry is empty.
	Resolve(ctx context.Context, key api.RecordKey) (string, error)
	// Ping probes ledger reachability.
	Ping(ctx context.Context) error
}

// trafficStorageABI is the deployed contract surface: a three-level mapping
// (trafficLightId -> timestamp -> dataType -> cid) behind storeRecord and
// getRecord, with a RecordStored event on every overwrite.
const trafficStorageABI = `[
  {
    "inputs": [
      {"internalType": "string", "name": "trafficLightId", "type": "string"},
      {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"internalType": "enum TrafficStorage.DataType", "name": "dataType", "type": "uint8"},
      {"internalType": "string", "name": "cid", "type": "string"}
    ],
    "name": "storeRecord",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "trafficLightId", "type": "string"},
      {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"internalType": "enum TrafficStorage.DataType", "name": "dataType", "type": "uint8"}
    ],
    "name": "getRecord",
    "outputs": [{"internalType": "string", "name": "", "type": "string"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "trafficLightId", "type": "string"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"indexed": false, "internalType": "enum TrafficStorage.DataType", "name": "dataType", "type": "uint8"},
      {"indexed": false, "internalType": "string", "name": "cid", "type": "string"}
    ],
    "name": "RecordStored",
    "type": "event"
  }
]`
