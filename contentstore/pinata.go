package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/lib/retry"
)

const (
	pinEndpoint  = "/pinning/pinFileToIPFS"
	authEndpoint = "/data/testAuthentication"

	putAttempts = 3
	getAttempts = 3
	pingTimeout = 5 * time.Second
)

var transientStoreErrors = []error{&api.ContentStoreError{}}

// PinataStore stores blobs on IPFS through the Pinata pinning service and
// reads them back through its gateway. Uploads pin the exact bytes given, so
// the returned CID is reproducible locally and downloads round-trip
// octet-for-octet.
type PinataStore struct {
	apiURL     string
	gatewayURL string
	jwt        string
	client     *http.Client
}

func NewPinataStore(apiURL, gatewayURL, jwt string, timeout time.Duration) *PinataStore {
	return &PinataStore{
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		jwt:        jwt,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (p *PinataStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	local, err := Compute(data)
	if err != nil {
		return cid.Undef, err
	}

	body, contentType, err := pinRequestBody(data)
	if err != nil {
		return cid.Undef, xerrors.Errorf("building pin request: %w", err)
	}

	remote, err := retry.Retry(ctx, putAttempts, 500*time.Millisecond, 5*time.Second, transientStoreErrors,
		func(ctx context.Context) (cid.Cid, error) {
			return p.pin(ctx, body, contentType)
		})
	if err != nil {
		return cid.Undef, err
	}

	// The pinning service is untrusted for correctness: its answer must be
	// the address of the bytes we handed it.
	if !remote.Equals(local) {
		return cid.Undef, &api.ContentIntegrityError{Requested: local.String(), Computed: remote.String()}
	}
	log.Debugw("pinned blob", "cid", remote, "size", len(data))
	return remote, nil
}

func (p *PinataStore) pin(ctx context.Context, body []byte, contentType string) (cid.Cid, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+pinEndpoint, bytes.NewReader(body))
	if err != nil {
		return cid.Undef, xerrors.Errorf("building pin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.jwt)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return cid.Undef, &api.ContentStoreError{Op: "put", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck

	if err := classifyStatus("put", resp.StatusCode); err != nil {
		return cid.Undef, err
	}

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return cid.Undef, &api.ContentStoreError{Op: "put", Err: xerrors.Errorf("decoding pin response: %w", err)}
	}
	c, err := cid.Decode(out.IpfsHash)
	if err != nil {
		return cid.Undef, xerrors.Errorf("pin response carries malformed cid %q: %w", out.IpfsHash, err)
	}
	return c, nil
}

func (p *PinataStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := retry.Retry(ctx, getAttempts, 500*time.Millisecond, 5*time.Second, transientStoreErrors,
		func(ctx context.Context) ([]byte, error) {
			return p.fetch(ctx, c)
		})
	if err != nil {
		return nil, err
	}
	if err := Verify(c, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *PinataStore) fetch(ctx context.Context, c cid.Cid) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.gatewayURL+"/ipfs/"+c.String(), nil)
	if err != nil {
		return nil, xerrors.Errorf("building gateway request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &api.ContentStoreError{Op: "get", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck

	if err := classifyStatus("get", resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadSize+1))
	if err != nil {
		return nil, &api.ContentStoreError{Op: "get", Err: err}
	}
	if len(data) > MaxPayloadSize {
		return nil, &api.PayloadTooLargeError{Size: len(data), Limit: MaxPayloadSize}
	}
	return data, nil
}

func (p *PinataStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+authEndpoint, nil)
	if err != nil {
		return xerrors.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.jwt)

	resp, err := p.client.Do(req)
	if err != nil {
		return &api.ContentStoreError{Op: "ping", Err: err}
	}
	defer resp.Body.Close() // nolint:errcheck
	return classifyStatus("ping", resp.StatusCode)
}

// classifyStatus sorts HTTP statuses into the error taxonomy: auth failures
// and oversize payloads are fatal, availability problems are retryable, and
// anything else unexpected is surfaced as-is.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &api.StoreAuthError{Status: status}
	case status == http.StatusRequestEntityTooLarge:
		return &api.PayloadTooLargeError{Limit: MaxPayloadSize}
	case status == http.StatusNotFound, status == http.StatusTooManyRequests, status >= 500:
		return &api.ContentStoreError{Op: op, Err: xerrors.Errorf("status %d", status)}
	default:
		return xerrors.Errorf("content store %s returned unexpected status %d", op, status)
	}
}

func pinRequestBody(data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("file", "traffic-data.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	// cidVersion 0 matches the CID Compute derives locally.
	if err := w.WriteField("pinataOptions", `{"cidVersion":0}`); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("pinataMetadata", `{"name":"traffic-data.json"}`); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var _ Store = (*PinataStore)(nil)
