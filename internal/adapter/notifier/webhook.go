package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// WebhookNotifier posts formatted notifications to a chat-style incoming
// webhook. Posts are rate limited and made once; failures are the caller's
// to log.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookNotifier(url string, perSecond float64, timeout time.Duration) *WebhookNotifier {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

type webhookPayload struct {
	TransactionID string         `json:"transaction_id"`
	Kind          string         `json:"kind"`
	Title         string         `json:"title"`
	Text          string         `json:"text"`
	Fields        []domain.Field `json:"fields"`
}

func (n *WebhookNotifier) Post(ctx context.Context, msg domain.FormattedMessage) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		TransactionID: msg.TransactionID,
		Kind:          string(msg.Kind),
		Title:         msg.Title,
		Text:          msg.Text,
		Fields:        msg.Fields,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no webhook is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "log_notifier")}
}

func (n *LogNotifier) Post(ctx context.Context, msg domain.FormattedMessage) error {
	attrs := []any{"transaction_id", msg.TransactionID, "kind", msg.Kind, "title", msg.Title}
	for _, f := range msg.Fields {
		attrs = append(attrs, f.Name, f.Value)
	}
	n.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}
