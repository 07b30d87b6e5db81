package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tickvault/tickvault/internal/engine"
	"github.com/tickvault/tickvault/pkg/types"
)

// IngestRequest is a batch of rows for one table.
type IngestRequest struct {
	Table string      `json:"table"`
	Rows  []types.Row `json:"rows"`
}

// IngestResponse reports how many rows were accepted.
type IngestResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// IngestHandler handles POST /v1/ingest.
type IngestHandler struct {
	engine *engine.Engine
}

// NewIngestHandler creates the ingest handler.
func NewIngestHandler(eng *engine.Engine) *IngestHandler {
	return &IngestHandler{engine: eng}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table is required", "", requestID)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows must not be empty", "", requestID)
		return
	}

	accepted, err := h.engine.IngestBatch(r.Context(), req.Table, req.Rows)
	if err != nil {
		// Partial acceptance is reported alongside the failure so the
		// caller can resume from the rejected row.
		resp := ErrorResponse{
			Error:     fmt.Sprintf("row %d rejected: %v", accepted, err),
			RequestID: requestID,
		}
		writeEngineErrorWithBody(w, err, resp)
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Accepted: accepted, RequestID: requestID})
}
