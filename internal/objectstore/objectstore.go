// Package objectstore abstracts the durable object storage backend used to
// persist staged clinical data.
package objectstore

import (
	"context"
	"io"
)

// Store is the capability consumed by the upload pipeline. Implementations
// must be safe for concurrent use.
type Store interface {
	// Put writes an object under bucket/path. size must match the number of
	// bytes readable from r.
	Put(ctx context.Context, bucket, path string, r io.Reader, size int64, contentType string, metadata map[string]string) error

	// Exists reports whether an object is present at bucket/path.
	Exists(ctx context.Context, bucket, path string) (bool, error)
}
