package notify

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds delivery attempts for a single message.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first
	BaseBackoff time.Duration // First backoff; doubles each retry
}

// DefaultRetryPolicy retries twice after the initial attempt with 1s, 2s, 4s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
	}
}

// SendWithRetry delivers a message, retrying transient failures with
// exponential backoff. Terminal failures (non-retryable errors, exhausted
// attempts, context cancellation) return the last error.
func SendWithRetry(ctx context.Context, sender Sender, msg Message, policy RetryPolicy, logger *slog.Logger) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	backoff := policy.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := sender.Send(ctx, msg)
		if err == nil {
			if attempt > 1 {
				logger.Info("email sent after retry", "sender", sender.Name(), "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logger.Warn("email send failed, not retryable",
				"sender", sender.Name(),
				"subject", msg.Subject,
				"error", err,
			)
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		logger.Warn("email send failed, retrying",
			"sender", sender.Name(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logger.Error("email send failed, attempts exhausted",
		"sender", sender.Name(),
		"subject", msg.Subject,
		"attempts", policy.MaxAttempts,
		"error", lastErr,
	)
	return lastErr
}
