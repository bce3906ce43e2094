package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(nil, slog.Default()))
	assert.Nil(t, NewWebhookNotifier(&WebhookConfig{}, slog.Default()))
}

func TestWebhookNotifier_NilReceiver(t *testing.T) {
	var wn *WebhookNotifier
	wn.NotifyUpload("repo", "main", "README", "abc123")
	wn.Wait()
}

func TestWebhookNotifier_NotifyUpload(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL, ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.NotifyUpload("u-boot", "main", "include/configs/smdk5250.h", "commit123")
	wn.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "upload", received[0].Event)
	assert.Equal(t, "u-boot", received[0].Repo)
	assert.Equal(t, "main", received[0].Branch)
	assert.Equal(t, "include/configs/smdk5250.h", received[0].Path)
	assert.Equal(t, "commit123", received[0].CommitID)
	assert.NotEmpty(t, received[0].Timestamp)
}

func TestWebhookNotifier_Post_4xxNoRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	wn.retryDelay = time.Millisecond

	assert.Error(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_Post_5xxRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	wn.retryDelay = time.Millisecond

	assert.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}
