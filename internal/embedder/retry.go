package embedder

import (
	"context"
	"errors"
	"time"
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
	Multiplier float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns sensible defaults for API retry
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// retryWithBackoff executes fn with exponential backoff. Only transient
// errors are retried; a provider Retry-After longer than the current backoff
// replaces it, capped at MaxDelay.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isTransient(err) {
			return zero, err
		}

		if attempt < attempts-1 {
			wait := backoff
			var pe *ProviderError
			if errors.As(err, &pe) && pe.RetryAfter > wait {
				wait = pe.RetryAfter
			}
			if config.MaxDelay > 0 && wait > config.MaxDelay {
				wait = config.MaxDelay
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if config.MaxDelay > 0 && backoff > config.MaxDelay {
				backoff = config.MaxDelay
			}
		}
	}

	return zero, lastErr
}
