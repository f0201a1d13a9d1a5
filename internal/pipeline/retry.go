package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	reporterrors "weatherfish/pkg/errors"
)

// RetryPolicy controls how often a failed generation is attempted again.
// Only errors marked retryable (timeouts, transport failures, 429/5xx) are
// retried.
type RetryPolicy struct {
	MaxRetries  int           `yaml:"max_retries"`  // default: 0
	BaseBackoff time.Duration `yaml:"base_backoff"` // default: 500ms
}

// withRetry runs fn up to MaxRetries+1 times with exponential backoff and
// full jitter between attempts. It respects ctx between attempts.
func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) (string, error)) (string, error) {
	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, err := fn(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !reporterrors.IsRetryable(err) {
			return "", err
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := computeBackoff(policy.BaseBackoff, attempt)
		logger.Warn("generation failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", lastErr
		case <-timer.C:
		}
	}

	if maxAttempts > 1 {
		logger.Warn("generation exhausted all retries",
			zap.Int("attempts", maxAttempts),
			zap.Error(lastErr),
		)
	}
	return "", lastErr
}

// computeBackoff calculates exponential backoff with full jitter.
//
// Full jitter spreads retries from concurrent flights:
// a random value between 0 and (base * 2^attempt), capped.
//
// Example progression (base=500ms):
// Attempt 0: 0-500ms
// Attempt 1: 0-1s
// Attempt 2: 0-2s
// ...capped at maxAllowed
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	// Cap the exponent to prevent overflow
	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
