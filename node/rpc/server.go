// Package rpc exposes the storage manager over HTTP: upload, download,
// healthcheck and metrics.
package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	promexp "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/smartcity-labs/traffic-storage/api"
	"github.com/smartcity-labs/traffic-storage/contentstore"
)

var log = logging.Logger("rpc")

// maxRequestBody bounds upload bodies a little above the content store's
// blob limit so oversize payloads fail with a clean error instead of a
// truncated parse.
const maxRequestBody = contentstore.MaxPayloadSize + (64 << 10)

type Server struct {
	storage api.Storage
	handler http.Handler
}

// NewServer wires the HTTP surface around a storage implementation.
func NewServer(storage api.Storage) (*Server, error) {
	s := &Server{storage: storage}

	r := mux.NewRouter()
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/download", s.handleDownload).Methods(http.MethodPost)
	r.HandleFunc("/healthcheck", s.handleHealth).Methods(http.MethodGet)

	exporter, err := promexp.NewExporter(promexp.Options{Namespace: "traffic_storage"})
	if err != nil {
		return nil, err
	}
	r.Handle("/metrics", exporter).Methods(http.MethodGet)

	s.handler = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(requestLogger(r)))
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, &api.ValidationError{Reason: "reading request body: " + err.Error()})
		return
	}
	res, err := s.storage.Upload(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req api.DownloadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, &api.ValidationError{Reason: "malformed download request: " + err.Error()})
		return
	}
	data, err := s.storage.Download(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// The stored envelope verbatim, not a re-derived rendering of it.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.storage.Health(r.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type errorBody struct {
	Error string `json:"error"`
	// CID carries the orphaned content address of a partial write so the
	// registration can be completed by hand.
	CID string `json:"cid,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	code := http.StatusInternalServerError

	var nf *api.NotFoundError
	var pw *api.PartialWriteError
	var ae *api.StoreAuthError
	var tl *api.PayloadTooLargeError
	var ie *api.ContentIntegrityError
	var ce *api.ContentStoreError
	var le *api.LedgerError
	switch {
	case api.IsValidation(err):
		code = http.StatusBadRequest
	case errors.As(err, &nf):
		code = http.StatusNotFound
	case errors.As(err, &pw):
		code = http.StatusBadGateway
		body.CID = pw.CID
	case errors.As(err, &tl):
		code = http.StatusRequestEntityTooLarge
	case errors.As(err, &ae), errors.As(err, &ie), errors.As(err, &ce), errors.As(err, &le):
		code = http.StatusBadGateway
	}

	if code >= http.StatusInternalServerError {
		log.Errorw("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("writing response", "error", err)
	}
}
