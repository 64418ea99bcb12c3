package llm

import (
	"context"
	"fmt"
	"time"
)

// Retry configuration defaults. Generation rounds carry their own timeout,
// so in-call retries stay short.
const (
	defaultMaxRetries  = 2
	defaultInitBackoff = 1 * time.Second
	defaultMaxBackoff  = 8 * time.Second
	backoffFactor      = 2.0
)

// effective returns retry settings with defaults applied.
func (r RetryConfig) effective() (maxRetries int, initBackoff, maxBackoff time.Duration) {
	maxRetries = r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	initBackoff = r.InitBackoff
	if initBackoff <= 0 {
		initBackoff = defaultInitBackoff
	}
	maxBackoff = r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return
}

// withRetry runs call until it succeeds, fails with a non-retryable error,
// or runs out of attempts. Billing errors are never retried.
func withRetry(ctx context.Context, cfg RetryConfig, provider string, call func() error) error {
	maxRetries, backoff, maxBackoff := cfg.effective()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = call()
		if err == nil {
			return nil
		}

		if isBillingError(err) {
			return fmt.Errorf("%s billing/quota error (fatal): %w", provider, err)
		}
		if !isRetryableError(err) {
			return fmt.Errorf("%s request failed: %w", provider, err)
		}
		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("%s request failed after %d retries: %w", provider, maxRetries, err)
}
