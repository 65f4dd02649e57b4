// Package objectstore provides a narrow, read-only abstraction over the
// MinIO/S3-compatible object store that archive drops are fetched from.
// The ingestion pipeline never writes objects back — it only downloads the
// archive a DropNotification points at — so the interface stays deliberately
// small.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors returned by ObjectStore implementations.
var (
	ErrNotFound      = errors.New("object not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrBucketMissing = errors.New("bucket does not exist")
)

// ObjectAttrs contains metadata about a stored object.
type ObjectAttrs struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// ObjectStore defines the interface for fetching archive objects by bucket
// and key. Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Get retrieves an object by bucket and key. The caller must close the
	// returned reader. Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectAttrs, error)

	// Head returns object metadata without downloading the content.
	Head(ctx context.Context, bucket, key string) (ObjectAttrs, error)

	// Ping verifies connectivity to the object store.
	Ping(ctx context.Context) error
}
