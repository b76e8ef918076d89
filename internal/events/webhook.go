package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookForwarder posts events to an HTTP endpoint.
type WebhookForwarder struct {
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

func NewWebhookForwarder(url string, log *zap.Logger) *WebhookForwarder {
	return &WebhookForwarder{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Forward posts event as JSON. Timeline events carry their escrow and
// sequence id in the Idempotency-Key header so receivers can drop repeats.
func (f *WebhookForwarder) Forward(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := idempotencyKey(event); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func idempotencyKey(event Event) string {
	escrowID, _ := event.Payload["escrow_id"].(string)
	id, ok := event.Payload["id"]
	if escrowID == "" || !ok {
		return ""
	}
	return fmt.Sprintf("%s:%v", escrowID, id)
}
