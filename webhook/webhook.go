// Package webhook delivers alert notifications to a chat webhook.
package webhook

import (
	"context"
	"fmt"
	"interruption-alerts/pkg/alert"
	"log/slog"
	"strings"
)

// Provider defines the interface for webhook delivery implementations.
type Provider interface {
	// Post delivers text once and returns the raw response body.
	Post(ctx context.Context, text string) (string, error)
}

// Sender formats messages and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Send delivers a notification about msg. There is a single attempt; callers decide
// what a failure means.
func (s *Sender) Send(ctx context.Context, msg *alert.Message) (string, error) {
	text := FormatText(msg)

	s.logger.Info("Sending webhook notification",
		"message_id", msg.ID,
		"from", alert.FormatSender(msg.Sender),
		"text_length", len(text))

	return s.provider.Post(ctx, text)
}

// FormatText renders the notification markup: bold labels, inline code for date and
// sender, and a fenced block for the body.
func FormatText(msg *alert.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Date:* `%s`\n\n", msg.SentAt.Format(alert.DateLayout))
	fmt.Fprintf(&b, "*From:* `%s`\n\n", alert.FormatSender(msg.Sender))
	fmt.Fprintf(&b, "```%s```", msg.Text)
	return b.String()
}
