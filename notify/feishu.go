package notify

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

// FeishuProvider sends text messages to a Feishu custom-bot webhook.
type FeishuProvider struct {
	webhook string
	client  *http.Client
	logger  *slog.Logger
}

// NewFeishuProvider creates a Feishu webhook provider.
func NewFeishuProvider(webhook string, timeout time.Duration, logger *slog.Logger) *FeishuProvider {
	return &FeishuProvider{
		webhook: webhook,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// feishuTextMessage is the custom-bot text payload.
type feishuTextMessage struct {
	MsgType string            `json:"msg_type"`
	Content feishuTextContent `json:"content"`
}

type feishuTextContent struct {
	Text string `json:"text"`
}

// feishuResponse covers both response shapes the webhook returns; success is
// code 0 in either field.
type feishuResponse struct {
	Code       *int   `json:"code"`
	StatusCode *int   `json:"StatusCode"`
	Msg        string `json:"msg"`
}

func (r *feishuResponse) ok() bool {
	if r.Code != nil && *r.Code == 0 {
		return true
	}
	if r.StatusCode != nil && *r.StatusCode == 0 {
		return true
	}
	return false
}

// Send posts the text body to the webhook. HTTP 5xx, 408, 429, and transport
// errors are retryable; other 4xx and in-band rejections are permanent.
func (p *FeishuProvider) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(feishuTextMessage{
		MsgType: "text",
		Content: feishuTextContent{Text: text},
	})
	if err != nil {
		return &PermanentError{Reason: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhook, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Reason: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	p.logger.Debug("Feishu webhook request starting", "body_length", len(text))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("Failed to close webhook response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
		}
		return &PermanentError{Reason: fmt.Sprintf("webhook HTTP %d: %s", resp.StatusCode, truncateBody(body))}
	}

	var parsed feishuResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Non-JSON bodies on 200 usually mean an intermediary hiccup.
		return fmt.Errorf("webhook returned non-JSON response: %s", truncateBody(body))
	}
	if !parsed.ok() {
		return &PermanentError{Reason: fmt.Sprintf("webhook rejected message: %s", truncateBody(body))}
	}

	p.logger.Debug("Feishu webhook accepted message")
	return nil
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
