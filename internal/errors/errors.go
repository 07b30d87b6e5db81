// Package errors provides structured error types for the tickvault engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryCatalog     ErrorCategory = "CATALOG"
	ErrCategoryChunk       ErrorCategory = "CHUNK"
	ErrCategoryIngest      ErrorCategory = "INGEST"
	ErrCategoryAggregate   ErrorCategory = "AGGREGATE"
	ErrCategoryCompression ErrorCategory = "COMPRESSION"
	ErrCategoryRetention   ErrorCategory = "RETENTION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryConfig      ErrorCategory = "CONFIG"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Catalog codes
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeCatalogIO         = "CATALOG_IO"

	// Chunk codes
	CodeChunkNotOpen             = "CHUNK_NOT_OPEN"
	CodeChunkCompressedOrDropped = "CHUNK_COMPRESSED_OR_DROPPED"
	CodeStorageCorruption        = "STORAGE_CORRUPTION"

	// Ingest codes
	CodeInvalidRow = "INVALID_ROW"
	CodeOutOfOrder = "OUT_OF_ORDER"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the system.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// isRetryable determines if an error code is retryable. Lifecycle
// rejections and corruption are permanent for the offending chunk;
// transport failures to object storage are worth retrying.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeCatalogIO:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewCatalogError(code, message string) *EngineError {
	return New(ErrCategoryCatalog, code, message)
}

func NewChunkError(code, message string) *EngineError {
	return New(ErrCategoryChunk, code, message)
}

func NewIngestError(code, message string) *EngineError {
	return New(ErrCategoryIngest, code, message)
}

func NewStorageError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCompressionError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryCompression, CodeUnexpected, message, cause)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
