// Package notify delivers quality alerts to operator channels. Every
// notifier implements quality.Notifier; the monitor fans alerts out to
// all of them and a failing channel never blocks the others.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/quality"
)

// DefaultWebhookTimeout bounds a single delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// LogNotifier writes alerts to the structured log. It is always wired
// in so alerts land somewhere even when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, alert quality.Alert) error {
	n.logger.Warn("Quality alert",
		zap.String("code", alert.Code),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
		zap.String("recommendation", alert.Recommendation))
	return nil
}

// WebhookNotifier POSTs alerts as JSON to an operator endpoint.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
}

// webhookPayload is the wire shape of a delivered alert.
type webhookPayload struct {
	Code           string    `json:"code"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	RaisedAt       time.Time `json:"raised_at"`
}

// NewWebhookNotifier creates a notifier for the given endpoint. A
// timeout of zero falls back to DefaultWebhookTimeout.
func NewWebhookNotifier(endpoint string, timeout time.Duration) (*WebhookNotifier, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL %q must use http or https", endpoint)
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, alert quality.Alert) error {
	payload := webhookPayload{
		Code:           alert.Code,
		Severity:       string(alert.Severity),
		Message:        alert.Message,
		Recommendation: alert.Recommendation,
		RaisedAt:       alert.RaisedAt,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", n.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error: status=%d body=%s", resp.StatusCode, string(body))
	}

	return nil
}
