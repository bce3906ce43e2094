package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"path"

	"github.com/kilupskalvis/blobview/internal/models"
)

// DefaultFetchCeiling is the largest amount of content retrieved per blob.
const DefaultFetchCeiling = 1 << 20

// Fetcher turns blob responses into BlobContent values.
// Retries are the responsibility of the wrapped client (normally a RetryClient).
type Fetcher struct {
	client  BlobClient
	ceiling int64
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher that never keeps more than ceiling bytes of content.
func NewFetcher(client BlobClient, ceiling int64, logger *slog.Logger) *Fetcher {
	if ceiling <= 0 {
		ceiling = DefaultFetchCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, ceiling: ceiling, logger: logger}
}

// Ceiling returns the fetch truncation ceiling in bytes.
func (f *Fetcher) Ceiling() int64 {
	return f.ceiling
}

// Fetch retrieves the blob at ref. Errors are *models.BlobError.
func (f *Fetcher) Fetch(ctx context.Context, ref models.BlobReference) (*models.BlobContent, error) {
	if err := ref.Validate(); err != nil {
		return nil, &models.BlobError{Kind: models.KindMalformed, Op: "fetch blob", Err: err}
	}

	resp, err := f.client.GetBlob(ctx, ref, BlobOptions{
		Viewer:   models.ViewerSimple.String(),
		MaxBytes: f.ceiling,
	})
	if err != nil {
		return nil, Classify("fetch blob", err)
	}

	content, err := f.decode(ref, resp)
	if err != nil {
		return nil, &models.BlobError{Kind: models.KindMalformed, Op: "fetch blob", Err: err}
	}

	f.logger.Debug("fetched blob",
		"ref", ref.String(),
		"size", content.SizeBytes,
		"binary", content.IsBinary,
		"truncated", content.IsTruncated,
	)
	return content, nil
}

func (f *Fetcher) decode(ref models.BlobReference, resp *BlobResponse) (*models.BlobContent, error) {
	if resp == nil {
		return nil, fmt.Errorf("empty response")
	}
	if resp.Size < 0 {
		return nil, fmt.Errorf("negative size %d", resp.Size)
	}

	var data []byte
	switch resp.Encoding {
	case EncodingText, "":
		data = []byte(resp.Content)
	case EncodingBase64:
		var err error
		data, err = base64.StdEncoding.DecodeString(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown content encoding %q", resp.Encoding)
	}

	if int64(len(data)) > resp.Size {
		return nil, fmt.Errorf("content length %d exceeds declared size %d", len(data), resp.Size)
	}
	if !resp.Truncated && int64(len(data)) != resp.Size {
		return nil, fmt.Errorf("content length %d does not match declared size %d", len(data), resp.Size)
	}

	truncated := resp.Truncated || resp.Size > f.ceiling
	if int64(len(data)) > f.ceiling {
		data = data[:f.ceiling]
		truncated = true
	}

	return &models.BlobContent{
		Reference:    ref,
		CommitID:     resp.CommitID,
		MimeTypeHint: mimeHint(resp.MimeType, ref.CleanPath(), resp.Binary),
		SizeBytes:    resp.Size,
		IsBinary:     resp.Binary,
		IsTruncated:  truncated,
		Data:         data,
	}, nil
}

// mimeHint fills in a type when the server did not declare one.
func mimeHint(declared, p string, binary bool) string {
	if declared != "" {
		return declared
	}
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	if binary {
		return "application/octet-stream"
	}
	return "text/plain"
}
