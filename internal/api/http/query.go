package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tickvault/tickvault/internal/engine"
	"github.com/tickvault/tickvault/pkg/types"
)

// RangeResponse is the body of a raw range query.
type RangeResponse struct {
	Table     string      `json:"table"`
	Rows      []types.Row `json:"rows"`
	RequestID string      `json:"request_id"`
}

// BucketsResponse is the body of an aggregate bucket query.
type BucketsResponse struct {
	Aggregate string         `json:"aggregate"`
	Buckets   []types.Bucket `json:"buckets"`
	RequestID string         `json:"request_id"`
}

// RangeHandler handles GET /v1/query/range.
type RangeHandler struct {
	engine *engine.Engine
}

// NewRangeHandler creates the range query handler.
func NewRangeHandler(eng *engine.Engine) *RangeHandler {
	return &RangeHandler{engine: eng}
}

func (h *RangeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	fromNs, toNs, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
		return
	}

	rows, err := h.engine.ScanRange(r.Context(), table, r.URL.Query().Get("symbol"), fromNs, toNs)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	if rows == nil {
		rows = []types.Row{}
	}

	writeJSON(w, http.StatusOK, RangeResponse{Table: table, Rows: rows, RequestID: requestID})
}

// BucketsHandler handles GET /v1/query/buckets.
type BucketsHandler struct {
	engine *engine.Engine
}

// NewBucketsHandler creates the bucket query handler.
func NewBucketsHandler(eng *engine.Engine) *BucketsHandler {
	return &BucketsHandler{engine: eng}
}

func (h *BucketsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID)
		return
	}

	aggregate := r.URL.Query().Get("aggregate")
	if aggregate == "" {
		writeError(w, http.StatusBadRequest, "aggregate is required", "", requestID)
		return
	}
	fromNs, toNs, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
		return
	}

	buckets, err := h.engine.ScanBuckets(r.Context(), aggregate, r.URL.Query().Get("symbol"), fromNs, toNs)
	if err != nil {
		writeEngineError(w, err, requestID)
		return
	}
	if buckets == nil {
		buckets = []types.Bucket{}
	}

	writeJSON(w, http.StatusOK, BucketsResponse{Aggregate: aggregate, Buckets: buckets, RequestID: requestID})
}

// timeRange parses the from/to query parameters. from defaults to 0 and to
// to unbounded.
func timeRange(r *http.Request) (int64, int64, error) {
	var fromNs, toNs int64
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if fromNs, err = parseTimeParam(v); err != nil {
			return 0, 0, fmt.Errorf("invalid from: %v", err)
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if toNs, err = parseTimeParam(v); err != nil {
			return 0, 0, fmt.Errorf("invalid to: %v", err)
		}
	}
	if toNs > 0 && fromNs >= toNs {
		return 0, 0, fmt.Errorf("from must be below to")
	}
	return fromNs, toNs, nil
}

// parseTimeParam accepts a Unix nanosecond integer or an RFC3339 timestamp.
func parseTimeParam(v string) (int64, error) {
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ns, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0, fmt.Errorf("not a unix-ns integer or RFC3339 timestamp: %q", v)
	}
	return ts.UnixNano(), nil
}
