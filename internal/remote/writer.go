package remote

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/kilupskalvis/blobview/internal/models"
)

// Writer is the upload collaborator backed by a blob host.
type Writer struct {
	client BlobClient
}

// NewWriter creates a Writer over client.
func NewWriter(client BlobClient) *Writer {
	return &Writer{client: client}
}

// Write commits payload at ref.Path on the branch ref.Ref. When the
// reference carries a resolved commit, the write fails with a conflict if
// the branch has moved since.
func (w *Writer) Write(ctx context.Context, ref models.BlobReference, payload []byte, message string) (*models.UploadResult, error) {
	resp, err := w.client.UploadBlob(ctx, ref, &UploadRequest{
		Content:        base64.StdEncoding.EncodeToString(payload),
		CommitMessage:  message,
		ExpectedCommit: ref.ResolvedCommit,
	})
	if err != nil {
		return nil, Classify("upload blob", err)
	}
	return resp, nil
}

// IsConflict reports whether err is the host refusing an upload because the
// branch moved away from the expected commit.
func IsConflict(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeConflict
}
