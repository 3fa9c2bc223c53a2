package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseBody caps how much of the webhook's reply is kept.
const maxResponseBody = 64 << 10

// DeliveryError indicates the webhook did not accept a notification.
type DeliveryError struct {
	Err        error
	Body       string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// HTTPProvider posts notifications to an incoming-webhook URL.
type HTTPProvider struct {
	client *http.Client
	logger *slog.Logger
	url    string
}

// NewHTTPProvider creates a provider for url. A zero timeout uses 30 seconds.
func NewHTTPProvider(url string, timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		url:    url,
	}
}

// payload is the incoming-webhook request body.
type payload struct {
	Text string `json:"text"`
}

// Post sends text as {"text": ...} in a single attempt.
func (p *HTTPProvider) Post(ctx context.Context, text string) (string, error) {
	jsonData, err := json.Marshal(payload{Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", &DeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		p.logger.Warn("Webhook request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", &DeliveryError{Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("Webhook returned non-2xx status",
			"status_code", resp.StatusCode,
			"body", string(body))
		return string(body), &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	p.logger.Info("Webhook request completed",
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	return string(body), nil
}
