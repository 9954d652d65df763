package util

import (
	"context"
	"time"
)

// Retry calls fn up to attempts times, sleeping base, 2*base, 4*base...
// between attempts. Only errors classified retryable by IsRetryableError are
// retried; the last error is returned.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable, _ := IsRetryableError(err); !retryable || i == attempts-1 {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
