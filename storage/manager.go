// Package storage orchestrates the write/read protocol that couples the
// content store with the on-chain pointer registry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/contentstore"
	"github.com/smartcity-labs/traffic-storage/ledger"
	"github.com/smartcity-labs/traffic-storage/metrics"
	"github.com/smartcity-labs/traffic-storage/schema"
)

var log = logging.Logger("storage")

// Manager owns the consistency protocol between the two external systems.
// An upload moves through validation, content storage and pointer
// registration in that order: the ledger must never point at a CID that is
// not durably stored, while a stored-but-unregistered blob is harmless
// garbage.
type Manager struct {
	store contentstore.Store
	chain ledger.Client
}

func NewManager(store contentstore.Store, chain ledger.Client) *Manager {
	return &Manager{store: store, chain: chain}
}

func (m *Manager) Upload(ctx context.Context, payload []byte) (*api.UploadResult, error) {
	rec, err := schema.Validate(payload)
	if err != nil {
		// Rejected before any external call: fail fast, no side effects.
		metrics.RecordFailure(ctx, metrics.UploadFailure, "validation")
		return nil, err
	}
	ctx = metrics.WithKind(ctx, rec.Kind.String())
	done := metrics.Timer(ctx, metrics.UploadDuration)

	c, err := m.store.Put(ctx, rec.Canonical())
	if err != nil {
		metrics.RecordFailure(ctx, metrics.UploadFailure, "content_store")
		return nil, err
	}

	receipt, err := m.chain.Register(ctx, rec.Key(), c.String())
	if err != nil {
		// Stored but not registered. Not resubmitted (a blind resubmission
		// races the signer sequence), not rolled back (no delete exists).
		// The orphaned CID travels with the error so an operator can finish
		// the registration by hand.
		metrics.RecordFailure(ctx, metrics.UploadFailure, "ledger")
		metrics.RecordFailure(ctx, metrics.PartialWrite, "ledger")
		return nil, &api.PartialWriteError{Key: rec.Key(), CID: c.String(), Err: err}
	}

	dur := done()
	log.Infow("upload complete", "key", rec.Key().String(), "cid", c.String(),
		"tx", receipt.TxHash, "took", dur)

	res := &api.UploadResult{
		CID:            c.String(),
		Type:           rec.Kind.String(),
		Timestamp:      rec.Timestamp,
		TrafficLightID: rec.TrafficLightID,
	}
	if rec.Kind == api.RecordData {
		res.Message = "Data uploaded successfully"
		res.SensorsCount = rec.SensorsCount
	} else {
		res.Message = "Optimization metadata uploaded successfully"
	}
	return res, nil
}

func (m *Manager) Download(ctx context.Context, req api.DownloadRequest) ([]byte, error) {
	key, err := requestKey(req)
	if err != nil {
		metrics.RecordFailure(ctx, metrics.DownloadFailure, "validation")
		return nil, err
	}
	ctx = metrics.WithKind(ctx, key.Kind.String())
	done := metrics.Timer(ctx, metrics.DownloadDuration)

	cidStr, err := m.chain.Resolve(ctx, key)
	if err != nil {
		// NotFound fails here without ever touching the content store.
		metrics.RecordFailure(ctx, metrics.DownloadFailure, failureClass(err))
		return nil, err
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		metrics.RecordFailure(ctx, metrics.DownloadFailure, "ledger")
		return nil, &api.LedgerError{Op: "resolve", Err: xerrors.Errorf("registered pointer %q for %s is not a cid: %w", cidStr, key, err)}
	}

	data, err := m.store.Get(ctx, c)
	if err != nil {
		metrics.RecordFailure(ctx, metrics.DownloadFailure, failureClass(err))
		return nil, err
	}

	// The blob already hashed to the requested CID; the shape check guards
	// against a well-addressed blob that was never a valid record, and
	// against a pointer registered under a key its content contradicts.
	rec, err := schema.Validate(data)
	if err != nil {
		metrics.RecordFailure(ctx, metrics.DownloadFailure, "shape")
		return nil, xerrors.Errorf("stored payload %s failed shape check: %w", c, err)
	}
	if rec.Key() != key {
		metrics.RecordFailure(ctx, metrics.DownloadFailure, "shape")
		return nil, xerrors.Errorf("stored payload %s carries key %s, resolved under %s", c, rec.Key(), key)
	}

	dur := done()
	log.Debugw("download complete", "key", key.String(), "cid", c.String(), "took", dur)
	return data, nil
}

// Health probes both backends independently; one being down says nothing
// about the other.
func (m *Manager) Health(ctx context.Context) api.HealthStatus {
	var status api.HealthStatus
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		status.ContentStore = probe(m.store.Ping(ctx))
	}()
	go func() {
		defer wg.Done()
		status.Ledger = probe(m.chain.Ping(ctx))
	}()
	wg.Wait()

	if !status.Healthy() {
		var merr *multierror.Error
		if !status.ContentStore.OK {
			merr = multierror.Append(merr, xerrors.Errorf("content store: %s", status.ContentStore.Error))
		}
		if !status.Ledger.OK {
			merr = multierror.Append(merr, xerrors.Errorf("ledger: %s", status.Ledger.Error))
		}
		log.Warnw("healthcheck degraded", "error", merr.ErrorOrNil())
	}
	return status
}

func probe(err error) api.ServiceHealth {
	if err != nil {
		return api.ServiceHealth{OK: false, Error: err.Error()}
	}
	return api.ServiceHealth{OK: true}
}

func requestKey(req api.DownloadRequest) (api.RecordKey, error) {
	kind, err := api.ParseRecordKind(req.Type)
	if err != nil {
		return api.RecordKey{}, err
	}
	if !schema.ValidID(req.TrafficLightID) {
		return api.RecordKey{}, &api.ValidationError{Reason: fmt.Sprintf("traffic_light_id %q is not a numeric identifier", req.TrafficLightID)}
	}
	if req.Timestamp < 0 {
		return api.RecordKey{}, &api.ValidationError{Reason: "timestamp must be non-negative"}
	}
	return api.RecordKey{TrafficLightID: req.TrafficLightID, Timestamp: req.Timestamp, Kind: kind}, nil
}

func failureClass(err error) string {
	var nf *api.NotFoundError
	if errors.As(err, &nf) {
		return "not_found"
	}
	var ie *api.ContentIntegrityError
	if errors.As(err, &ie) {
		return "integrity"
	}
	var le *api.LedgerError
	if errors.As(err, &le) {
		return "ledger"
	}
	return "content_store"
}

var _ api.Storage = (*Manager)(nil)
