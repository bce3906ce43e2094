// Package remote defines the wire types and the HTTP client used to load blobs
// from a code-hosting server, plus the retrying fetcher built on top of them.
package remote

import (
	"github.com/kilupskalvis/blobview/internal/models"
)

// Content encodings used in BlobResponse.Encoding.
const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// BlobResponse is the JSON payload of GET /{repo}/blob/{ref}/{path}?format=json.
// Size is the size of the whole blob; Content holds at most max_bytes of it.
type BlobResponse struct {
	Path      string `json:"path"`
	Ref       string `json:"ref"`
	CommitID  string `json:"commit_id"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
	Binary    bool   `json:"binary"`
	MimeType  string `json:"mime_type"`
	Encoding  string `json:"encoding"`
	Content   string `json:"content"`
}

// RefInfo describes a resolved ref.
type RefInfo struct {
	Name     string         `json:"name"`
	Kind     models.RefKind `json:"kind"`
	CommitID string         `json:"commit_id"`
	Target   string         `json:"target,omitempty"`
	Mutable  bool           `json:"mutable"`
}

// UploadRequest replaces the content at a path on a branch.
// ExpectedCommit, when set, makes the branch update a compare-and-swap.
type UploadRequest struct {
	Content        string `json:"content"` // base64
	CommitMessage  string `json:"commit_message"`
	ExpectedCommit string `json:"expected_commit,omitempty"`
}

// UploadResponse is returned by a successful upload.
type UploadResponse = models.UploadResult

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Error codes the server uses in ErrorResponse.Error.
const (
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeImmutableRef = "immutable_ref"
	CodeConflict     = "conflict"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
)
