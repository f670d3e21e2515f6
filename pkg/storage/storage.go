// Package storage holds the small documents that are edited outside the
// running service: persona definitions and trigger rule sets. A catalog can
// live on local disk during development and in an S3-compatible bucket in
// production without the readers noticing.
package storage

import (
	"context"
	"errors"
)

// ErrInvalidPath is returned for paths that are empty, absolute or escape
// the store root.
var ErrInvalidPath = errors.New("storage: invalid path")

// FileStore stores whole documents addressed by slash-separated paths
// relative to the store root. Implementations must be safe for concurrent
// use.
type FileStore interface {
	// Get returns the document at path. A missing document yields an error
	// wrapping os.ErrNotExist.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put replaces the document at path.
	Put(ctx context.Context, path string, data []byte) error

	// Delete removes the document at path. Missing documents are not an
	// error.
	Delete(ctx context.Context, path string) error

	// List returns the paths of all documents under dir, sorted.
	// An empty dir lists the whole store.
	List(ctx context.Context, dir string) ([]string, error)
}
