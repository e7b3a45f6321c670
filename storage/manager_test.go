package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/contentstore"
	"github.com/smartcity-labs/traffic-storage/ledger"
	"github.com/smartcity-labs/traffic-storage/schema"
)

const sampleBatch = `{
	"version": "2.0",
	"type": "data",
	"timestamp": 1682000000,
	"traffic_light_id": "21",
	"sensors": [{
		"traffic_light_id": "21",
		"controlled_edges": ["edge42", "edge43"],
		"metrics": {"vehicles_per_minute": 65, "avg_speed_kmh": 43.5, "avg_circulation_time_sec": 92, "density": 0.72},
		"vehicle_stats": {"motorcycle": 12, "car": 45, "bus": 2, "truck": 6}
	}]
}`

// failingLedger rejects every registration but records the CID it was asked
// to register.
type failingLedger struct {
	ledger.Client
	lastCID string
}

func (f *failingLedger) Register(_ context.Context, _ api.RecordKey, cid string) (*api.TxReceipt, error) {
	f.lastCID = cid
	return nil, &api.LedgerError{Op: "register", Err: errors.New("rpc timeout")}
}

func newTestManager() *Manager {
	return NewManager(contentstore.NewMemStore(), ledger.NewMemLedger())
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	res, err := m.Upload(ctx, []byte(sampleBatch))
	require.NoError(t, err)
	require.Equal(t, "Data uploaded successfully", res.Message)
	require.NotEmpty(t, res.CID)
	require.Equal(t, "data", res.Type)
	require.Equal(t, int64(1682000000), res.Timestamp)
	require.Equal(t, "21", res.TrafficLightID)
	require.Equal(t, 1, res.SensorsCount)

	data, err := m.Download(ctx, api.DownloadRequest{TrafficLightID: "21", Timestamp: 1682000000, Type: "data"})
	require.NoError(t, err)

	var in, out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(sampleBatch), &in))
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in["sensors"], out["sensors"])
	require.Equal(t, in["traffic_light_id"], out["traffic_light_id"])
}

func TestUploadIdempotentCID(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	a, err := m.Upload(ctx, []byte(sampleBatch))
	require.NoError(t, err)
	b, err := m.Upload(ctx, []byte(sampleBatch))
	require.NoError(t, err)
	require.Equal(t, a.CID, b.CID, "byte-identical content must address identically")
}

func TestUploadOverwritesPointer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.Upload(ctx, []byte(sampleBatch))
	require.NoError(t, err)

	// Same key, different content: last write wins, the old blob is simply
	// no longer referenced.
	updated := []byte(`{
		"version": "2.0", "type": "data", "timestamp": 1682000000, "traffic_light_id": "21",
		"sensors": [{
			"traffic_light_id": "21", "controlled_edges": ["edge42"],
			"metrics": {"vehicles_per_minute": 80, "avg_speed_kmh": 38.0, "avg_circulation_time_sec": 101, "density": 0.9},
			"vehicle_stats": {"car": 70}
		}]
	}`)
	res, err := m.Upload(ctx, updated)
	require.NoError(t, err)

	data, err := m.Download(ctx, api.DownloadRequest{TrafficLightID: "21", Timestamp: 1682000000, Type: "data"})
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	sensors := out["sensors"].([]interface{})
	require.Len(t, sensors, 1)
	require.Equal(t, res.CID, mustCID(t, out))
}

func TestUploadValidationFailsBeforeAnySideEffect(t *testing.T) {
	ctx := context.Background()
	store := contentstore.NewMemStore()
	chain := ledger.NewMemLedger()
	m := NewManager(store, chain)

	_, err := m.Upload(ctx, []byte(`{"version":"2.0","type":"data","timestamp":"2025-05-19T14:20:00Z","traffic_light_id":"21","sensors":[]}`))
	var te *api.TimestampFormatError
	require.ErrorAs(t, err, &te)

	// Nothing was written anywhere.
	_, err = m.Download(ctx, api.DownloadRequest{TrafficLightID: "21", Timestamp: 1682000000, Type: "data"})
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestUploadPartialWriteCarriesOrphanedCID(t *testing.T) {
	ctx := context.Background()
	chain := &failingLedger{}
	m := NewManager(contentstore.NewMemStore(), chain)

	_, err := m.Upload(ctx, []byte(sampleBatch))
	var pw *api.PartialWriteError
	require.ErrorAs(t, err, &pw)
	require.Equal(t, chain.lastCID, pw.CID)
	require.Equal(t, "21", pw.Key.TrafficLightID)
	var le *api.LedgerError
	require.ErrorAs(t, err, &le)
}

func TestDownloadNotFoundSkipsContentStore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.Download(ctx, api.DownloadRequest{TrafficLightID: "8", Timestamp: 5, Type: "data"})
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDownloadRequestValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.Download(ctx, api.DownloadRequest{TrafficLightID: "light-1", Timestamp: 5, Type: "data"})
	require.True(t, api.IsValidation(err))

	_, err = m.Download(ctx, api.DownloadRequest{TrafficLightID: "1", Timestamp: 5, Type: "telemetry"})
	require.True(t, api.IsValidation(err))

	_, err = m.Download(ctx, api.DownloadRequest{TrafficLightID: "1", Timestamp: -1, Type: "data"})
	require.True(t, api.IsValidation(err))
}

func TestDownloadKindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.Upload(ctx, []byte(sampleBatch))
	require.NoError(t, err)

	// Same id and timestamp under the optimization kind is a different key.
	_, err = m.Download(ctx, api.DownloadRequest{TrafficLightID: "21", Timestamp: 1682000000, Type: "optimization"})
	var nf *api.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	m := newTestManager()
	status := m.Health(ctx)
	require.True(t, status.Healthy())
	require.True(t, status.ContentStore.OK)
	require.True(t, status.Ledger.OK)

	down := NewManager(contentstore.NewMemStore(), &downLedger{})
	status = down.Health(ctx)
	require.False(t, status.Healthy())
	require.True(t, status.ContentStore.OK, "backends are probed independently")
	require.False(t, status.Ledger.OK)
	require.NotEmpty(t, status.Ledger.Error)
}

type downLedger struct {
	ledger.Client
}

func (d *downLedger) Ping(context.Context) error {
	return &api.LedgerError{Op: "ping", Err: errors.New("connection refused")}
}

func mustCID(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	rec, err := schema.Validate(raw)
	require.NoError(t, err)
	c, err := contentstore.Compute(rec.Canonical())
	require.NoError(t, err)
	return c.String()
}
