package api

import (
	"context"
	"fmt"
	"strings"
)

// RecordKind distinguishes sensor readings from optimization metadata. The
// numeric values match the DataType enum of the TrafficStorage contract and
// must not be reordered.
type RecordKind uint8

const (
	RecordData RecordKind = iota
	RecordOptimization
)

func (k RecordKind) String() string {
	switch k {
	case RecordData:
		return "data"
	case RecordOptimization:
		return "optimization"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseRecordKind maps the wire "type" field to a RecordKind.
func ParseRecordKind(s string) (RecordKind, error) {
	switch strings.ToLower(s) {
	case "data":
		return RecordData, nil
	case "optimization":
		return RecordOptimization, nil
	default:
		return 0, &ValidationError{Reason: fmt.Sprintf("unknown record type %q", s)}
	}
}

// RecordKey is the logical key a record is registered under on the ledger.
// The on-chain mapping is nested (id -> timestamp -> kind -> cid); off-chain
// it is modeled as this flat composite so key equality stays well-defined.
type RecordKey struct {
	TrafficLightID string
	Timestamp      int64
	Kind           RecordKind
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.TrafficLightID, k.Timestamp, k.Kind)
}

// TxReceipt describes a confirmed ledger transaction.
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// UploadResult is the response body for a completed upload. SensorsCount is
// only populated for data uploads.
type UploadResult struct {
	Message        string `json:"message"`
	CID            string `json:"cid"`
	Type           string `json:"type"`
	Timestamp      int64  `json:"timestamp"`
	TrafficLightID string `json:"traffic_light_id"`
	SensorsCount   int    `json:"sensors_count,omitempty"`
}

// DownloadRequest identifies a previously uploaded record by logical key.
type DownloadRequest struct {
	TrafficLightID string `json:"traffic_light_id"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"type"`
}

// ServiceHealth reports reachability of a single backend.
type ServiceHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthStatus reports both backends independently. JSON field names keep
// the historical service names.
type HealthStatus struct {
	ContentStore ServiceHealth `json:"ipfs"`
	Ledger       ServiceHealth `json:"blockdag"`
}

func (h HealthStatus) Healthy() bool {
	return h.ContentStore.OK && h.Ledger.OK
}

// Storage is the surface the HTTP layer (and any other front end) consumes.
type Storage interface {
	// Upload validates a raw envelope, writes it to the content store and
	// registers the resulting CID on the ledger under the record's key.
	Upload(ctx context.Context, payload []byte) (*UploadResult, error)
	// Download resolves the key on the ledger, fetches the blob and returns
	// the originally stored bytes verbatim.
	Download(ctx context.Context, req DownloadRequest) ([]byte, error)
	// Health probes the content store and ledger independently.
	Health(ctx context.Context) HealthStatus
}
