package identity

import (
	"context"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// WithDeadline races fn against a timer and returns a distinguishable timeout
// error when the timer fires first. Zero or negative timeouts use
// DefaultCallTimeout. There is no retry loop here; retry policy belongs to
// the caller.
func WithDeadline[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	// Buffered so a late completion never leaks the goroutine.
	done := make(chan outcome, 1)

	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout.WithMetadata(map[string]any{
				"timeout": timeout.String(),
			})
		}
		return zero, goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "identity call cancelled")
	}
}
