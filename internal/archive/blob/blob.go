// Package blob abstracts the immutable storage backing audit archives.
// Production deployments point the S3 implementation at WORM-capable object
// storage; the in-memory implementation backs tests and single-node dev.
package blob

import (
	"context"
	"io"
	"time"
)

// UploadResult describes a stored archive blob.
type UploadResult struct {
	URI         string
	ContentHash string // hex-encoded SHA-256 of the blob bytes
	SizeBytes   int64
}

// Store is the blob storage collaborator contract.
type Store interface {
	// Upload stores one partition's serialized entries and returns where the
	// blob lives plus its content hash and size.
	Upload(ctx context.Context, boundary time.Time, data io.Reader) (*UploadResult, error)
	// Download streams a previously uploaded blob.
	Download(ctx context.Context, uri string) (io.ReadCloser, error)
	// GetBlobHash re-reads the blob and returns the hex SHA-256 of its bytes.
	GetBlobHash(ctx context.Context, uri string) (string, error)
	// Exists reports whether a blob is present at the URI.
	Exists(ctx context.Context, uri string) (bool, error)
}
