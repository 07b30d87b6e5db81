package http

import (
	"net/http"
	"strconv"

	"github.com/tickvault/tickvault/internal/engine"
	"github.com/tickvault/tickvault/internal/observability"
	"github.com/tickvault/tickvault/pkg/types"
)

// NewMux builds the API routing table with the default middleware chain.
func NewMux(eng *engine.Engine) http.Handler {
	wrap := DefaultMiddleware()

	mux := http.NewServeMux()
	mux.Handle("/v1/ingest", wrap(NewIngestHandler(eng)))
	mux.Handle("/v1/query/range", wrap(NewRangeHandler(eng)))
	mux.Handle("/v1/query/buckets", wrap(NewBucketsHandler(eng)))
	mux.Handle("/v1/chunks", wrap(NewChunksHandler(eng)))
	mux.Handle("/v1/stats", wrap(NewStatsHandler(eng)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ChunksResponse lists a table's chunk records for operational inspection.
type ChunksResponse struct {
	Table     string        `json:"table"`
	Chunks    []types.Chunk `json:"chunks"`
	RequestID string        `json:"request_id"`
}

// ChunksHandler handles GET /v1/chunks.
type ChunksHandler struct {
	engine *engine.Engine
}

// NewChunksHandler creates the chunk listing handler.
func NewChunksHandler(eng *engine.Engine) *ChunksHandler {
	return &ChunksHandler{engine: eng}
}

func (h *ChunksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}
	table := r.URL.Query().Get("table")
	if table == "" {
		writeError(w, http.StatusBadRequest, "table is required", "", requestID)
		return
	}

	chunks := h.engine.Catalog().Chunks(table)
	if chunks == nil {
		chunks = []types.Chunk{}
	}
	writeJSON(w, http.StatusOK, ChunksResponse{Table: table, Chunks: chunks, RequestID: requestID})
}

// StatsResponse reports the most scanned tables.
type StatsResponse struct {
	Tables    []observability.TableStats `json:"tables"`
	RequestID string                     `json:"request_id"`
}

// StatsHandler handles GET /v1/stats.
type StatsHandler struct {
	engine *engine.Engine
}

// NewStatsHandler creates the scan statistics handler.
func NewStatsHandler(eng *engine.Engine) *StatsHandler {
	return &StatsHandler{engine: eng}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "", requestID)
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, StatsResponse{Tables: h.engine.ScanStats(limit), RequestID: requestID})
}
