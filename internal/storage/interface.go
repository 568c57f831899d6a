package storage

import (
	"context"
	"io"
)

// ObjectStorage is the read side of the image object store. Uploads happen
// in the annotation UI, outside this service; the export pipeline only
// fetches bytes.
type ObjectStorage interface {
	// Download streams an object's bytes
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the public URL for accessing an object
	GetURL(key string) string
}
