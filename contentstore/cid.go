package contentstore

import (
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
)

// Compute derives the CID the store will address data under: a CIDv0 over a
// single-leaf UnixFS dag-pb node, matching the default add of an IPFS node
// for sub-chunk files.
func Compute(data []byte) (cid.Cid, error) {
	if len(data) > MaxPayloadSize {
		return cid.Undef, &api.PayloadTooLargeError{Size: len(data), Limit: MaxPayloadSize}
	}
	nd := merkledag.NodeWithData(unixfs.FilePBData(data, uint64(len(data))))
	return nd.Cid(), nil
}

// Verify checks that data hashes to c. Raw-codec CIDs are hashed directly;
// dag-pb CIDs are verified through the same UnixFS leaf framing Compute uses.
func Verify(c cid.Cid, data []byte) error {
	var subject []byte
	switch c.Prefix().Codec {
	case cid.Raw:
		subject = data
	case cid.DagProtobuf:
		if len(data) > MaxPayloadSize {
			return &api.PayloadTooLargeError{Size: len(data), Limit: MaxPayloadSize}
		}
		subject = merkledag.NodeWithData(unixfs.FilePBData(data, uint64(len(data)))).RawData()
	default:
		return xerrors.Errorf("cid %s uses unsupported codec %#x", c, c.Prefix().Codec)
	}

	chk, err := c.Prefix().Sum(subject)
	if err != nil {
		return xerrors.Errorf("hashing %d bytes against %s: %w", len(data), c, err)
	}
	if !chk.Equals(c) {
		return &api.ContentIntegrityError{Requested: c.String(), Computed: chk.String()}
	}
	return nil
}
