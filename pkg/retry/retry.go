// Package retry implements the small bounded-backoff helper used for
// best-effort outbound calls such as webhook notifications.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base of the backoff schedule; the wait after the
	// n-th failed attempt is BaseDelay * n.
	BaseDelay time.Duration
	// OnRetry, when set, is called after a failed attempt and before the
	// next delay. attempt is 1-indexed.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, cfg.MaxAttempts is exhausted, or ctx is
// done. It returns nil on the first success, otherwise the last error.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts {
			return lastErr
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(cfg.BaseDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
