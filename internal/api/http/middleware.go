// Package http provides the HTTP API for the tickvault engine.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	tverr "github.com/tickvault/tickvault/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware attaches a unique request_id to each request,
// honoring a caller-supplied X-Request-ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(r.Context())
				log.Printf("http: panic serving %s %s (request %s): %v", r.Method, r.URL.Path, requestID, err)
				writeError(w, http.StatusInternalServerError, "internal server error", "", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request with its duration and status.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("http: %s %s %d %s request=%s",
			r.Method, r.URL.Path, sw.status, time.Since(start), GetRequestID(r.Context()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ChainMiddleware composes middleware right to left.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware returns the standard chain for API handlers.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware,
		RequestIDMiddleware,
		LoggingMiddleware,
	)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func writeError(w http.ResponseWriter, statusCode int, message, code, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// statusForCode maps an engine error code to an HTTP status. Lifecycle
// rejections map to 409, out-of-order data to 422, unknown names to 404.
func statusForCode(code string) int {
	switch code {
	case tverr.CodeNotFound:
		return http.StatusNotFound
	case tverr.CodeInvalidRow, tverr.CodeInvalidConfig:
		return http.StatusBadRequest
	case tverr.CodeOutOfOrder:
		return http.StatusUnprocessableEntity
	case tverr.CodeChunkNotOpen, tverr.CodeChunkCompressedOrDropped, tverr.CodeInvalidTransition:
		return http.StatusConflict
	case tverr.CodeCatalogIO, tverr.CodeUploadFailed, tverr.CodeDownloadFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError maps an engine error to an HTTP status and writes it.
func writeEngineError(w http.ResponseWriter, err error, requestID string) {
	code := tverr.GetCode(err)
	writeError(w, statusForCode(code), err.Error(), code, requestID)
}

// writeEngineErrorWithBody writes a caller-built error body at the status
// implied by the engine error code.
func writeEngineErrorWithBody(w http.ResponseWriter, err error, resp ErrorResponse) {
	resp.Code = tverr.GetCode(err)
	writeJSON(w, statusForCode(resp.Code), resp)
}
