package cloudformation

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single stack operation including the wait for
// its completion.
const DefaultTimeout = 30 * time.Minute

// WithTimeout wraps a context with a per-operation timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// remaining is the time left before ctx expires, or fallback without deadline.
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}
