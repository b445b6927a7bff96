package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/rehabcare/messaging/internal/logger"
)

// retry повторяет attempt с экспоненциальной задержкой (2s..30s), пока не истечёт maxWait или ctx.
func retry(ctx context.Context, what string, maxWait time.Duration, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
