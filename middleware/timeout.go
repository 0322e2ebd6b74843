package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/durable"
)

// Timeout returns middleware that enforces the per-step deadline. The
// handler runs in its own goroutine so a step that ignores its context
// still yields control when the deadline passes; its eventual result is
// dropped. Expiry is reported as a retryable ErrStepTimeout.
func Timeout() Middleware {
	return func(ctx context.Context, s *Step, next Handler) error {
		if s.Timeout <= 0 {
			return next(ctx)
		}

		tctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- next(tctx) }()

		select {
		case err := <-done:
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return durable.Retryable(fmt.Errorf("%w after %s: %w", durable.ErrStepTimeout, s.Timeout, err))
			}
			return err
		case <-tctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return durable.Retryable(fmt.Errorf("%w after %s", durable.ErrStepTimeout, s.Timeout))
		}
	}
}
