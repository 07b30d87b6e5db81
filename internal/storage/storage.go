// Package storage provides object storage abstractions for compressed
// chunk blocks. Implementations include Amazon S3 and the local filesystem.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the block store for compressed chunks. Blocks are
// small enough to be handled as whole byte slices; a block is written once
// at compression time and read on every cold scan.
type ObjectStorage interface {
	// Put writes an object, replacing any existing object at the path.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an entire object. Returns ErrObjectNotFound if absent.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix. Used by the
	// startup reconciliation pass to detect orphaned blocks.
	List(ctx context.Context, prefix string) ([]string, error)
}
