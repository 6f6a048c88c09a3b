package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSink posts messages to a chat through the Bot API. Sends are
// throttled because the API rejects bursts.
type TelegramSink struct {
	apiBase string
	token   string
	chatID  string
	hc      *http.Client
	lim     *rate.Limiter
}

func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
		hc:      &http.Client{Timeout: 10 * time.Second},
		lim:     rate.NewLimiter(rate.Limit(1), 5),
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) SendEvent(ctx context.Context, e Event) error {
	var header string
	switch e.Severity {
	case "critical":
		header = "CRITICAL: certificate expired"
	case "high":
		header = "certificate expires within a week"
	default:
		header = "certificate expiring soon"
	}
	text := fmt.Sprintf("<b>%s</b>\n%s (%s): %d day(s) remaining", header, e.NodeName, e.NodeID, e.DaysRemaining)
	return t.sendMessage(ctx, text)
}

func (t *TelegramSink) SendSummary(ctx context.Context, s Summary) error {
	text := fmt.Sprintf(
		"<b>Certificate check cycle finished</b>\ntotal: %d\nok: %d\nwarning: %d\nexpired: %d\nerror: %d",
		s.Total, s.OK, s.Warning, s.Expired, s.Error)
	return t.sendMessage(ctx, text)
}

func (t *TelegramSink) SendNodeChange(ctx context.Context, c NodeChange) error {
	text := fmt.Sprintf("<b>Edge node %s</b>\n%s (%s)", c.Type, c.NodeName, c.IPAddress)
	return t.sendMessage(ctx, text)
}

func (t *TelegramSink) sendMessage(ctx context.Context, text string) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram post: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}
