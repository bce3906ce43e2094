package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/blobview/internal/models"
)

// Writer is the write path an accepted upload is handed to.
type Writer interface {
	Write(ctx context.Context, ref models.BlobReference, payload []byte, message string) (*models.UploadResult, error)
}

// UploadGate lets uploads through only for references that can move.
type UploadGate struct {
	writer Writer
	logger *slog.Logger
}

// NewUploadGate creates a gate in front of writer.
func NewUploadGate(writer Writer, logger *slog.Logger) *UploadGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadGate{writer: writer, logger: logger}
}

// Attempt rejects uploads to immutable references with a KindImmutableRef
// error and never contacts the writer for them. Accepted uploads are passed to
// the writer and its error, if any, is returned as is.
func (g *UploadGate) Attempt(ctx context.Context, upload models.UploadAttempt) (*models.UploadResult, error) {
	if !upload.IsRefMutable || !upload.Target.IsRefMutable {
		g.logger.Debug("upload rejected", "ref", upload.Target.String(), "reason", "immutable ref")
		return nil, &models.BlobError{
			Kind: models.KindImmutableRef,
			Op:   "upload blob",
			Err:  fmt.Errorf("ref %q is not a branch", upload.Target.Ref),
		}
	}

	result, err := g.writer.Write(ctx, upload.Target, upload.Payload, upload.CommitMessage)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &models.UploadResult{}
	}
	g.logger.Info("blob uploaded", "ref", upload.Target.String(), "commit", result.CommitID)
	return result, nil
}
