package hooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a webhook response body is read.
const maxResponseBytes = 64 << 10

// WebhookHandler POSTs the payload to an HTTP endpoint.
type WebhookHandler struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Limit   time.Duration
}

// Name returns the endpoint URL.
func (h *WebhookHandler) Name() string { return h.URL }

// Timeout returns the per-handler timeout.
func (h *WebhookHandler) Timeout() time.Duration { return h.Limit }

// Handle sends the payload. Any non-2xx status is an error.
func (h *WebhookHandler) Handle(ctx context.Context, event EventName, storyID string, payload []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hal-Event", string(event))
	req.Header.Set("X-Hal-Story", storyID)
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
	}
	return parseResponse(body), nil
}
