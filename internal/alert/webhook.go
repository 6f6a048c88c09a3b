package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink POSTs JSON envelopes to a generic HTTP endpoint.
type WebhookSink struct {
	url string
	hc  *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) SendEvent(ctx context.Context, e Event) error {
	return w.post(ctx, map[string]interface{}{"type": "certificate_alert", "alert": e})
}

func (w *WebhookSink) SendSummary(ctx context.Context, s Summary) error {
	return w.post(ctx, map[string]interface{}{"type": "cycle_summary", "summary": s})
}

func (w *WebhookSink) SendNodeChange(ctx context.Context, c NodeChange) error {
	return w.post(ctx, map[string]interface{}{"type": "node_change", "change": c})
}

func (w *WebhookSink) post(ctx context.Context, payload interface{}) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
