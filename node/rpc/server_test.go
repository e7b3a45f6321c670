package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/contentstore"
	"github.com/smartcity-labs/traffic-storage/ledger"
	"github.com/smartcity-labs/traffic-storage/storage"
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

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := NewServer(storage.NewManager(contentstore.NewMemStore(), ledger.NewMemLedger()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadDownloadOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/upload", sampleBatch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var up api.UploadResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	require.Equal(t, "Data uploaded successfully", up.Message)
	require.NotEmpty(t, up.CID)

	resp = postJSON(t, ts.URL+"/download", `{"traffic_light_id":"21","timestamp":1682000000,"type":"data"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var in, out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(sampleBatch), &in))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, in["sensors"], out["sensors"])
}

func TestUploadRejectsMalformedPayload(t *testing.T) {
	ts := newTestServer(t)

	for name, body := range map[string]string{
		"not json":        `{{{`,
		"missing version": `{"type":"data","timestamp":1,"traffic_light_id":"21","sensors":[]}`,
		"iso timestamp":   `{"version":"2.0","type":"data","timestamp":"2023-04-20T14:00:00Z","traffic_light_id":"21","sensors":[{"traffic_light_id":"21","controlled_edges":["e"],"metrics":{"vehicles_per_minute":1,"avg_speed_kmh":1,"avg_circulation_time_sec":1,"density":0.1}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/upload", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var eb struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
			require.NotEmpty(t, eb.Error)
		})
	}
}

func TestDownloadUnknownKeyReturns404(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/download", `{"traffic_light_id":"99","timestamp":5,"type":"data"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadMalformedRequestReturns400(t *testing.T) {
	ts := newTestServer(t)

	for name, body := range map[string]string{
		"bad json":    `not json`,
		"bad type":    `{"traffic_light_id":"21","timestamp":1,"type":"bogus"}`,
		"non-numeric": `{"traffic_light_id":"tl-21","timestamp":1,"type":"data"}`,
		"negative ts": `{"traffic_light_id":"21","timestamp":-1,"type":"data"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/download", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

// brokenLedger fails registration with a fixed CID-bearing partial write.
type brokenLedger struct {
	ledger.Client
}

func (brokenLedger) Register(context.Context, api.RecordKey, string) (*api.TxReceipt, error) {
	return nil, &api.LedgerError{Op: "register", Err: errors.New("rpc timeout")}
}

func TestPartialWriteReturns502WithCID(t *testing.T) {
	m := storage.NewManager(contentstore.NewMemStore(), brokenLedger{ledger.NewMemLedger()})
	srv, err := NewServer(m)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/upload", sampleBatch)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var eb struct {
		Error string `json:"error"`
		CID   string `json:"cid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	require.NotEmpty(t, eb.CID, "orphaned CID must be reported")
}

func TestHealthcheck(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hs map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	require.Contains(t, hs, "ipfs")
	require.Contains(t, hs, "blockdag")
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthcheck", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))

	resp2, err := http.Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NotEmpty(t, resp2.Header.Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// generate a little traffic first
	resp := postJSON(t, ts.URL+"/upload", sampleBatch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(mresp.Body)
	require.NoError(t, err)
	require.NotZero(t, buf.Len())
}
