package remote

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient_NilError(t *testing.T) {
	assert.False(t, isTransient(nil))
}

func TestIsTransient_ServerError(t *testing.T) {
	err := &RemoteError{Status: 500, Code: "internal_error", Message: "server error"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_TooManyRequests(t *testing.T) {
	err := &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_NotFound(t *testing.T) {
	err := &RemoteError{Status: 404, Code: "not_found", Message: "not found"}
	assert.False(t, isTransient(err))
}

func TestIsTransient_NetworkError(t *testing.T) {
	err := &http.MaxBytesError{Limit: 100}
	assert.True(t, isTransient(err))
}

func TestIsTransient_AttemptTimeout(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
}

func TestIsTransient_Malformed(t *testing.T) {
	err := &models.BlobError{Kind: models.KindMalformed, Err: errors.New("bad json")}
	assert.False(t, isTransient(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      models.ErrorKind
		status    int
		retryable bool
	}{
		{"404", &RemoteError{Status: 404, Code: CodeNotFound}, models.KindNotFound, 404, false},
		{"503", &RemoteError{Status: 503, Code: CodeInternal}, models.KindServer, 503, true},
		{"429", &RemoteError{Status: 429, Code: CodeRateLimited}, models.KindServer, 429, true},
		{"400", &RemoteError{Status: 400, Code: CodeBadRequest}, models.KindServer, 400, false},
		{"immutable", &RemoteError{Status: 409, Code: CodeImmutableRef}, models.KindImmutableRef, 409, false},
		{"conflict", &RemoteError{Status: 409, Code: CodeConflict}, models.KindServer, 409, false},
		{"transport", errors.New("connection refused"), models.KindNetwork, 0, true},
		{"already classified", &models.BlobError{Kind: models.KindMalformed}, models.KindMalformed, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := Classify("op", tt.err)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.status, be.Status)
			assert.Equal(t, "op", be.Op)
			assert.Equal(t, tt.retryable, be.Retryable())
		})
	}
}

func TestRetryClient_Backoff(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0, // no jitter for deterministic test
	}, nil)

	d0 := rc.backoff(0)
	d1 := rc.backoff(1)
	d2 := rc.backoff(2)

	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Equal(t, 200*time.Millisecond, d1)
	assert.Equal(t, 400*time.Millisecond, d2)
}

func TestRetryClient_BackoffCapped(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.0,
	}, nil)

	d := rc.backoff(10)
	assert.Equal(t, 5*time.Second, d)
}

func TestRetryClient_DelayHonorsRetryAfter(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}, nil)

	err := &RemoteError{Status: 429, RetryAfter: time.Second}
	assert.Equal(t, time.Second, rc.delay(0, err))

	err.RetryAfter = time.Minute
	assert.Equal(t, 2*time.Second, rc.delay(0, err))
}

func fastRetry(maxRetries int) *RetryClient {
	return NewRetryClient(nil, &RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		JitterFraction: 0.0,
	}, nil)
}

func TestRetryClient_RetrySuccess(t *testing.T) {
	rc := fastRetry(3)

	attempts := 0
	err := rc.retry(context.Background(), "test", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryClient_RetryExhausted(t *testing.T) {
	rc := fastRetry(2)

	attempts := 0
	err := rc.retry(context.Background(), "test", func(context.Context) error {
		attempts++
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, attempts) // initial + 2 retries
	assert.ErrorIs(t, err, models.ErrServer)
}

func TestRetryClient_NoRetryOnNotFound(t *testing.T) {
	rc := fastRetry(3)

	attempts := 0
	err := rc.retry(context.Background(), "test", func(context.Context) error {
		attempts++
		return &RemoteError{Status: 404, Code: "not_found", Message: "not found"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts) // no retry
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetryClient_AttemptTimeoutIsRetried(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}, nil)

	attempts := 0
	err := rc.retry(context.Background(), "test", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			<-ctx.Done() // first attempt hangs until its own deadline
			return ctx.Err()
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryClient_ContextCancellation(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := rc.retry(ctx, "test", func(context.Context) error {
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestSleep_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleep(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_Normal(t *testing.T) {
	err := sleep(context.Background(), 1*time.Millisecond)
	assert.NoError(t, err)
}
