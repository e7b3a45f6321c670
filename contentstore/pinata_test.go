package contentstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartcity-labs/traffic-storage/api"
)

// fakePinata emulates the pinning API and gateway on one listener.
type fakePinata struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	jwt      string
	pinFails int // 500s to serve before accepting a pin
	pinCalls int
	tamper   bool
}

func (f *fakePinata) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pinning/pinFileToIPFS", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pinCalls++
		if r.Header.Get("Authorization") != "Bearer "+f.jwt {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.pinFails > 0 {
			f.pinFails--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c, err := Compute(data)
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		f.blobs[c.String()] = data
		_ = json.NewEncoder(w).Encode(map[string]string{"IpfsHash": c.String()})
	})
	mux.HandleFunc("/data/testAuthentication", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.jwt {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"message":"Congratulations!"}`)
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.blobs[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.tamper {
			data = append([]byte("corrupted"), data...)
		}
		_, _ = w.Write(data)
	})
	return mux
}

func newPinataPair(t *testing.T, f *fakePinata) *PinataStore {
	t.Helper()
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewPinataStore(srv.URL, srv.URL, f.jwt, 10*time.Second)
}

func TestPinataRoundTrip(t *testing.T) {
	ctx := context.Background()
	ps := newPinataPair(t, &fakePinata{jwt: "secret"})

	data := []byte(`{"version":"2.0","type":"data","traffic_light_id":"21"}`)
	c, err := ps.Put(ctx, data)
	require.NoError(t, err)

	local, err := Compute(data)
	require.NoError(t, err)
	require.True(t, c.Equals(local), "remote CID must match the locally computed one")

	got, err := ps.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, ps.Ping(ctx))
}

func TestPinataRetriesTransientFailures(t *testing.T) {
	f := &fakePinata{jwt: "secret", pinFails: 2}
	ps := newPinataPair(t, f)

	_, err := ps.Put(context.Background(), []byte("eventually pinned"))
	require.NoError(t, err)
	require.Equal(t, 3, f.pinCalls)
}

func TestPinataAuthFailureIsFatal(t *testing.T) {
	f := &fakePinata{jwt: "secret"}
	ps := newPinataPair(t, f)
	ps.jwt = "wrong"

	_, err := ps.Put(context.Background(), []byte("unauthorized"))
	var ae *api.StoreAuthError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, 1, f.pinCalls, "auth failures must not be retried")

	require.Error(t, ps.Ping(context.Background()))
}

func TestPinataGetDetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := &fakePinata{jwt: "secret"}
	ps := newPinataPair(t, f)

	c, err := ps.Put(ctx, []byte("pinned bytes"))
	require.NoError(t, err)

	f.mu.Lock()
	f.tamper = true
	f.mu.Unlock()

	_, err = ps.Get(ctx, c)
	var ie *api.ContentIntegrityError
	require.ErrorAs(t, err, &ie)
}

func TestPinataGetMissing(t *testing.T) {
	ps := newPinataPair(t, &fakePinata{jwt: "secret"})
	c, err := Compute([]byte("never pinned"))
	require.NoError(t, err)

	_, err = ps.Get(context.Background(), c)
	var ce *api.ContentStoreError
	require.ErrorAs(t, err, &ce)
}
