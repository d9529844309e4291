// Package blob stores document files and extracted images in an object
// store. Keys are content-addressed: images live at images/<sha256>.<ext>,
// original documents at documents/<doc_id>/<filename>.
package blob

import (
	"context"
	"fmt"
	"time"
)

// Store is the object-store surface the storage stage writes through.
type Store interface {
	// Put stores data under key and returns a retrieval URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get returns the stored bytes for key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)

	// SignedURL returns a time-limited URL for client retrieval.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ImageKey builds the content-addressed key for an extracted image.
func ImageKey(sha256Hash, format string) string {
	return fmt.Sprintf("images/%s.%s", sha256Hash, format)
}

// DocumentKey builds the key for an original document file.
func DocumentKey(documentID, filename string) string {
	return fmt.Sprintf("documents/%s/%s", documentID, filename)
}
