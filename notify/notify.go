// Package notify dispatches composed notifications through the single
// configured channel, with bounded retry, exponential backoff, and rate
// limiting. Providers are pluggable behind a small interface.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/linccl/iCity-Echo/message"
)

const (
	maxAttempts = 3
	baseDelay   = time.Second
	maxDelay    = 30 * time.Second
	maxJitter   = 5 * time.Second
)

// Provider defines the interface for notification channel implementations.
type Provider interface {
	// Send delivers a text body. Returning a PermanentError stops retries.
	Send(ctx context.Context, text string) error
}

// PermanentError marks a provider rejection that retrying cannot fix, such
// as a malformed payload or a revoked webhook.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent dispatch failure: " + e.Reason
}

// IsPermanent checks if an error is a non-retryable dispatch rejection.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Notifier sends notification batches using a pluggable provider.
type Notifier struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger

	// Backoff knobs, overridable in tests.
	delay     time.Duration
	maxDelay  time.Duration
	maxJitter time.Duration
}

// New creates a notifier. The limiter keeps bursts of alerts and batches
// under typical webhook rate limits.
func New(provider Provider, logger *slog.Logger) *Notifier {
	return &Notifier{
		provider:  provider,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		logger:    logger,
		delay:     baseDelay,
		maxDelay:  maxDelay,
		maxJitter: maxJitter,
	}
}

// Send dispatches a composed batch. Transient failures are retried with
// exponential backoff up to maxAttempts; permanent rejections surface
// immediately.
func (n *Notifier) Send(ctx context.Context, batch *message.Batch) error {
	if batch == nil {
		return nil
	}
	n.logger.Info("Dispatching notification", "item_count", batch.ItemCount, "body_length", len(batch.Text))
	return n.sendText(ctx, batch.Text)
}

// SendAlert dispatches an operational alert (fetch failures, dead cookies)
// through the same channel as regular notifications.
func (n *Notifier) SendAlert(ctx context.Context, text string) error {
	n.logger.Info("Dispatching alert", "body_length", len(text))
	return n.sendText(ctx, text)
}

func (n *Notifier) sendText(ctx context.Context, text string) error {
	err := retry.Do(
		func() error {
			if waitErr := n.limiter.Wait(ctx); waitErr != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", waitErr))
			}

			startTime := time.Now()
			sendErr := n.provider.Send(ctx, text)
			duration := time.Since(startTime)

			if sendErr != nil {
				if IsPermanent(sendErr) {
					n.logger.Error("Provider rejected payload, not retrying",
						"duration_ms", duration.Milliseconds(), "error", sendErr)
					return retry.Unrecoverable(sendErr)
				}
				n.logger.Warn("Provider send failed, will retry",
					"duration_ms", duration.Milliseconds(), "error", sendErr)
				return sendErr
			}

			n.logger.Info("Provider send completed", "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(maxAttempts),
		retry.Delay(n.delay),
		retry.MaxDelay(n.maxDelay),
		retry.MaxJitter(n.maxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, retryErr error) {
			n.logger.Info("Retrying dispatch after error", "attempt", attempt, "error", retryErr)
		}),
	)
	if err != nil {
		if IsPermanent(err) {
			return err
		}
		return fmt.Errorf("dispatch after retries: %w", err)
	}
	return nil
}
