package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64       // 0.0 to 1.0
	AttemptTimeout time.Duration // per attempt; 0 means only the caller's deadline applies
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.25,
		AttemptTimeout: 10 * time.Second,
	}
}

// RetryClient wraps a BlobClient with automatic retry on transient errors.
// Every error it returns is a *models.BlobError.
type RetryClient struct {
	inner  BlobClient
	config *RetryConfig
	logger *slog.Logger
}

// NewRetryClient creates a RetryClient that wraps the given BlobClient.
func NewRetryClient(inner BlobClient, cfg *RetryConfig, logger *slog.Logger) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{inner: inner, config: cfg, logger: logger}
}

// Classify maps any client error onto the blob error taxonomy.
// Transport failures and per-attempt timeouts become KindNetwork. A 404 is
// KindNotFound. Every other non-2xx status is KindServer, retryable only for
// 5xx and 429; other 4xx responses will not change on retry.
func Classify(op string, err error) *models.BlobError {
	if err == nil {
		return nil
	}

	var be *models.BlobError
	if errors.As(err, &be) {
		c := *be
		if c.Op == "" {
			c.Op = op
		}
		return &c
	}

	var re *RemoteError
	if errors.As(err, &re) {
		kind := models.KindServer
		switch {
		case re.Status == http.StatusNotFound:
			kind = models.KindNotFound
		case re.Code == CodeImmutableRef:
			kind = models.KindImmutableRef
		}
		return &models.BlobError{Kind: kind, Op: op, Status: re.Status, Err: err}
	}

	return &models.BlobError{Kind: models.KindNetwork, Op: op, Err: err}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify("", err).Retryable()
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// delay honors a server Retry-After hint, capped at MaxBackoff.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	d := rc.backoff(attempt)
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > d {
		d = min(re.RetryAfter, rc.config.MaxBackoff)
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *RetryClient) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if rc.config.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, rc.config.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

func annotate(operation string, err error, note string) *models.BlobError {
	be := Classify(operation, err)
	be.Err = fmt.Errorf("%w %s", be.Err, note)
	return be
}

// retry executes fn with retry logic. Only retries transient errors.
// Cancellation of ctx itself stops immediately.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = rc.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return annotate(operation, lastErr, "(retry cancelled)")
		}
		if !isTransient(lastErr) {
			return Classify(operation, lastErr)
		}
		if attempt < rc.config.MaxRetries {
			d := rc.delay(attempt, lastErr)
			rc.logger.Debug("retrying", "op", operation, "attempt", attempt+1, "delay", d, "error", lastErr)
			if err := sleep(ctx, d); err != nil {
				return annotate(operation, lastErr, "(retry cancelled)")
			}
		}
	}
	return annotate(operation, lastErr, fmt.Sprintf("(after %d retries)", rc.config.MaxRetries))
}

// --- Delegate BlobClient methods through retry logic ---

func (rc *RetryClient) GetBlob(ctx context.Context, ref models.BlobReference, opts BlobOptions) (resp *BlobResponse, err error) {
	err = rc.retry(ctx, "fetch blob", func(ctx context.Context) error {
		resp, err = rc.inner.GetBlob(ctx, ref, opts)
		return err
	})
	return
}

func (rc *RetryClient) GetRef(ctx context.Context, repo, name string) (info *RefInfo, err error) {
	err = rc.retry(ctx, "get ref", func(ctx context.Context) error {
		info, err = rc.inner.GetRef(ctx, repo, name)
		return err
	})
	return
}

func (rc *RetryClient) ListRefs(ctx context.Context, repo string) (refs []*RefInfo, err error) {
	err = rc.retry(ctx, "list refs", func(ctx context.Context) error {
		refs, err = rc.inner.ListRefs(ctx, repo)
		return err
	})
	return
}

func (rc *RetryClient) UploadBlob(ctx context.Context, ref models.BlobReference, req *UploadRequest) (*UploadResponse, error) {
	// Uploads move a branch; a retry after a lost response could commit twice.
	resp, err := rc.inner.UploadBlob(ctx, ref, req)
	if err != nil {
		return nil, Classify("upload blob", err)
	}
	return resp, nil
}
