// Package contentstore adapts a content-addressed blob store: put bytes,
// get by CID. The remote store is trusted for availability only; every blob
// that crosses the boundary is verified against its CID locally.
package contentstore

import (
	"context"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("contentstore")

// MaxPayloadSize bounds a single blob. Blobs are addressed as single-leaf
// UnixFS objects, so one chunk is the ceiling that keeps local CID
// computation in lockstep with what the remote add produces.
const MaxPayloadSize = 256 << 10

// Store is a content-addressed blob store. Put of identical bytes yields the
// same CID on every call; there is no delete.
type Store interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Ping(ctx context.Context) error
}
