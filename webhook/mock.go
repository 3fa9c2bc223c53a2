package webhook

import (
	"context"
	"log/slog"
)

// MockProvider logs notifications instead of posting them (dry runs).
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock webhook provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Post logs the notification instead of sending it.
func (m *MockProvider) Post(ctx context.Context, text string) (string, error) {
	m.logger.Info("MOCK WEBHOOK", "text", text)
	return "ok", nil
}
