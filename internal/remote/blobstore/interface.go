// Package blobstore stores file contents addressed by their SHA-256 hash.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrHashMismatch is returned when stored data does not hash to its key.
var ErrHashMismatch = errors.New("blob hash mismatch")

// BlobStore is content-addressable storage for file contents.
type BlobStore interface {
	// Has checks whether a blob with the given hash exists.
	Has(ctx context.Context, hash string) (bool, error)

	// Get returns a reader for the blob and its size in bytes.
	// Returns ErrBlobNotFound if the blob does not exist.
	Get(ctx context.Context, hash string) (io.ReadCloser, int64, error)

	// Put stores a blob, verifying that r hashes to hash.
	// Storing the same blob twice is a no-op.
	Put(ctx context.Context, hash string, r io.Reader) error

	// Delete removes a blob. No error if it doesn't exist.
	Delete(ctx context.Context, hash string) error

	// TotalCount returns the number of stored blobs.
	TotalCount(ctx context.Context) (int, error)

	// ListHashes returns all blob hashes in the store.
	ListHashes(ctx context.Context) ([]string, error)
}

// Hash returns the key under which data is stored.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
