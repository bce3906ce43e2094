package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WebhookEvent is the payload POSTed to webhook URLs.
type WebhookEvent struct {
	Event     string `json:"event"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Path      string `json:"path,omitempty"`
	CommitID  string `json:"commit_id"`
	Timestamp string `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs []string
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config     *WebhookConfig
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:     cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
	}
}

// NotifyUpload reports a new commit made by an upload. It returns at once;
// delivery happens in the background.
func (wn *WebhookNotifier) NotifyUpload(repo, branch, path, commitID string) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Event:     "upload",
		Repo:      repo,
		Branch:    branch,
		Path:      path,
		CommitID:  commitID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(event)
	}()
}

// Wait blocks until all pending deliveries have finished.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST, retrying transport errors and 5xx twice.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "blobview-server/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}

	return lastErr
}
