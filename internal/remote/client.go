package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
)

// BlobClient defines the contract for talking to a blob host.
type BlobClient interface {
	GetBlob(ctx context.Context, ref models.BlobReference, opts BlobOptions) (*BlobResponse, error)
	GetRef(ctx context.Context, repo, name string) (*RefInfo, error)
	ListRefs(ctx context.Context, repo string) ([]*RefInfo, error)
	UploadBlob(ctx context.Context, ref models.BlobReference, req *UploadRequest) (*UploadResponse, error)
}

// BlobOptions are the query parameters of a blob request.
type BlobOptions struct {
	Viewer   string // advisory viewer kind, "simple" when empty
	MaxBytes int64  // content beyond this is not sent; 0 means server default
}

// HTTPClient implements BlobClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based blob client. Timeouts come from the
// request context so that each retry attempt gets its own deadline.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// blobURL builds /{repo}/blob/{ref}/{path} with each segment escaped.
func (c *HTTPClient) blobURL(action string, ref models.BlobReference) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", c.baseURL,
		url.PathEscape(ref.RepositoryID), action, url.PathEscape(ref.Ref), escapePath(ref.CleanPath()))
}

func (c *HTTPClient) repoURL(repo, path string) string {
	return fmt.Sprintf("%s/api/v1/repos/%s%s", c.baseURL, url.PathEscape(repo), path)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			// A body cut short by the deadline is a transport failure, not bad JSON.
			if ctx.Err() != nil {
				return fmt.Errorf("read response: %w", ctx.Err())
			}
			return &models.BlobError{Kind: models.KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	return nil
}

// GetBlob fetches the JSON representation of a blob.
func (c *HTTPClient) GetBlob(ctx context.Context, ref models.BlobReference, opts BlobOptions) (*BlobResponse, error) {
	q := url.Values{}
	q.Set("format", "json")
	viewer := opts.Viewer
	if viewer == "" {
		viewer = models.ViewerSimple.String()
	}
	q.Set("viewer", viewer)
	if opts.MaxBytes > 0 {
		q.Set("max_bytes", strconv.FormatInt(opts.MaxBytes, 10))
	}

	var resp BlobResponse
	if err := c.doJSON(ctx, "GET", c.blobURL("blob", ref)+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref, err)
	}
	return &resp, nil
}

// GetRef resolves a single ref.
func (c *HTTPClient) GetRef(ctx context.Context, repo, name string) (*RefInfo, error) {
	var info RefInfo
	if err := c.doJSON(ctx, "GET", c.repoURL(repo, "/refs/"+url.PathEscape(name)), nil, &info); err != nil {
		return nil, fmt.Errorf("get ref %s: %w", name, err)
	}
	return &info, nil
}

// ListRefs returns all refs of a repository.
func (c *HTTPClient) ListRefs(ctx context.Context, repo string) ([]*RefInfo, error) {
	var refs []*RefInfo
	if err := c.doJSON(ctx, "GET", c.repoURL(repo, "/refs"), nil, &refs); err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

// UploadBlob replaces the content at ref.Path on the branch ref.Ref.
func (c *HTTPClient) UploadBlob(ctx context.Context, ref models.BlobReference, req *UploadRequest) (*UploadResponse, error) {
	var resp UploadResponse
	if err := c.doJSON(ctx, "POST", c.blobURL("upload", ref), req, &resp); err != nil {
		return nil, fmt.Errorf("upload blob %s: %w", ref, err)
	}
	return &resp, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var retryAfter time.Duration
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:       "unknown",
			Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:     resp.StatusCode,
			RetryAfter: retryAfter,
		}
	}

	return &RemoteError{
		Code:       errResp.Error,
		Message:    errResp.Message,
		Status:     resp.StatusCode,
		RetryAfter: retryAfter,
	}
}
