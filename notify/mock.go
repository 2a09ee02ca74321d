package notify

import (
	"context"
	"log/slog"
)

// MockProvider logs messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the message instead of delivering it.
func (m *MockProvider) Send(_ context.Context, text string) error {
	m.logger.Info("MOCK NOTIFICATION", "body_length", len(text), "text", text)
	return nil
}
