package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/blobview/internal/remote/blobstore"
	"github.com/kilupskalvis/blobview/internal/remote/metastore"
)

// GCResult contains the outcome of a garbage collection run.
type GCResult struct {
	BlobsScanned    int `json:"blobs_scanned"`
	BlobsDeleted    int `json:"blobs_deleted"`
	ReferencedBlobs int `json:"referenced_blobs"`
}

// GarbageCollect removes blobs that no commit tree references, such as the
// content of an upload whose branch update lost a race.
func GarbageCollect(ctx context.Context, meta metastore.MetaStore, blobs blobstore.BlobStore, logger *slog.Logger) (*GCResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result := &GCResult{}

	referenced, err := meta.GetAllBlobIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("get referenced blobs: %w", err)
	}
	result.ReferencedBlobs = len(referenced)

	allHashes, err := blobs.ListHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blob hashes: %w", err)
	}
	result.BlobsScanned = len(allHashes)

	for _, hash := range allHashes {
		if referenced[hash] {
			continue
		}
		if err := blobs.Delete(ctx, hash); err != nil {
			logger.Warn("gc: failed to delete blob", "hash", hash, "error", err)
			continue
		}
		result.BlobsDeleted++
	}

	logger.Info("gc complete",
		"scanned", result.BlobsScanned,
		"referenced", result.ReferencedBlobs,
		"deleted", result.BlobsDeleted,
	)
	return result, nil
}
