// Package middleware provides composable middleware for step attempts.
//
// The step executor runs every attempt through a [Chain]. The first
// middleware in the slice is the outermost wrapper:
//
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs each attempt and its outcome
//   - [Recover] turns panics into retryable errors
//   - [Timeout] enforces the step deadline, reporting expiry as retryable
//   - [Tracing] wraps each attempt in an OpenTelemetry span
//   - [Metrics] records attempt duration and counts
//
// # Writing Custom Middleware
//
//	func Audit() middleware.Middleware {
//	    return func(ctx context.Context, s *middleware.Step, next middleware.Handler) error {
//	        err := next(ctx)
//	        record(s.Key, s.Attempt, err)
//	        return err
//	    }
//	}
package middleware
