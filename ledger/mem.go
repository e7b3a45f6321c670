package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartcity-labs/traffic-storage/api"
)

// NewMemLedger returns an in-process ledger with the contract's semantics:
// destructive overwrite per key, last confirmed write wins. Used by tests
// and local development mode.
func NewMemLedger() *MemLedger {
	return &MemLedger{records: make(map[api.RecordKey]string)}
}

type MemLedger struct {
	mu      sync.Mutex
	records map[api.RecordKey]string
	nonce   uint64
}

func (m *MemLedger) Register(_ context.Context, key api.RecordKey, cid string) (*api.TxReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = cid
	m.nonce++
	return &api.TxReceipt{
		TxHash:      fmt.Sprintf("0x%064x", m.nonce),
		BlockNumber: m.nonce,
		GasUsed:     21000,
	}, nil
}

func (m *MemLedger) Resolve(_ context.Context, key api.RecordKey) (string, error) {
	m.mu.Lock()
	cid := m.records[key]
	m.mu.Unlock()
	if cid == "" {
		return "", &api.NotFoundError{Key: key}
	}
	return cid, nil
}

func (m *MemLedger) Ping(context.Context) error { return nil }

var _ Client = (*MemLedger)(nil)
