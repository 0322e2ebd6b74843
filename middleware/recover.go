package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that converts a panicking step into an error.
// The panic is logged with its stack trace and the attempt is retried like
// any other failure.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s *Step, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step panicked",
					slog.String("run_id", s.RunID),
					slog.String("step", s.Key),
					slog.Int("attempt", s.Attempt),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in step %s: %v", s.Key, r)
			}
		}()
		return next(ctx)
	}
}
