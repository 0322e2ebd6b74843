// Package middleware provides composable middleware for step execution.
// Middleware wraps each step attempt synchronously and can modify execution
// (recover from panics, enforce deadlines, log, trace, measure).
package middleware

import (
	"context"
	"time"
)

// Step describes the step attempt being executed.
type Step struct {
	RunID       string
	Workflow    string
	Key         string
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
}

// Handler is the terminal function that runs one step attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It MUST call next to
// continue the chain unless it short-circuits on error.
type Middleware func(ctx context.Context, s *Step, next Handler) error

// Chain composes middleware into a single Middleware. The first middleware
// in the list is the outermost wrapper:
//
//	Chain(logging, recover, timeout) runs logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, s *Step, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, s, prev)
			}
		}
		return h(ctx)
	}
}
