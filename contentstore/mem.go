package contentstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
)

// NewMemStore returns a thread-safe in-memory content store, used by tests
// and local development mode.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[cid.Cid][]byte)}
}

type MemStore struct {
	mu    sync.RWMutex
	blobs map[cid.Cid][]byte
}

func (m *MemStore) Put(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := Compute(data)
	if err != nil {
		return cid.Undef, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.blobs[c] = cp
	m.mu.Unlock()
	return c, nil
}

func (m *MemStore) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[c]
	m.mu.RUnlock()
	if !ok {
		return nil, &api.ContentStoreError{Op: "get", Err: xerrors.Errorf("cid %s not present", c)}
	}
	if err := Verify(c, data); err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }

var _ Store = (*MemStore)(nil)
