package config

import (
	"time"
)

// TrafficNode is the full configuration of a traffic-storage node. All
// external endpoints, credentials and the signing identity are supplied
// here; adapters receive the config by reference and nothing reads
// process-wide state inside business logic.
type TrafficNode struct {
	API     API
	Pinata  Pinata
	Ledger  Ledger
	Metrics Metrics
}

// API configures the HTTP endpoint.
type API struct {
	ListenAddress string
	Timeout       Duration
}

// Pinata configures the content store: the pinning API and the read gateway.
type Pinata struct {
	APIURL     string
	GatewayURL string
	// JWT is the bearer token for the pinning API. Required unless the node
	// runs with in-memory backends.
	JWT     string
	Timeout Duration
}

// Ledger configures the chain endpoint and the signing identity.
type Ledger struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	// PrivateKey is the hex-encoded signing key. Required unless the node
	// runs with in-memory backends.
	PrivateKey string
	GasLimit   uint64
	// ConfirmTimeout bounds the wait for transaction inclusion.
	ConfirmTimeout Duration
}

type Metrics struct {
	Enabled bool
}

// DefaultTrafficNode returns the defaults for the public BlockDAG testnet
// deployment of the TrafficStorage contract.
func DefaultTrafficNode() *TrafficNode {
	return &TrafficNode{
		API: API{
			ListenAddress: "0.0.0.0:8000",
			Timeout:       Duration(30 * time.Second),
		},
		Pinata: Pinata{
			APIURL:     "https://api.pinata.cloud",
			GatewayURL: "https://gateway.pinata.cloud",
			Timeout:    Duration(30 * time.Second),
		},
		Ledger: Ledger{
			RPCURL:          "https://rpc.primordial.bdagscan.com",
			ChainID:         1043,
			ContractAddress: "0xC3d520EBE9A9F52FC5E1519f17F5a9A01d8ac68f",
			GasLimit:        400000,
			ConfirmTimeout:  Duration(300 * time.Second),
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}
