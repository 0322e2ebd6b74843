package step

import (
	"time"

	"github.com/xraph/durable/backoff"
)

// Options configures a single step.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	// Negative means "use the executor default".
	MaxRetries int

	// Backoff overrides the executor's retry delay strategy.
	Backoff backoff.Strategy

	// Timeout bounds each attempt. Zero means no timeout.
	Timeout time.Duration
}

// Option configures a step.
type Option func(*Options)

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{MaxRetries: -1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxRetries sets how many times a failing step is retried.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *Options) { o.Backoff = s }
}

// WithTimeout bounds each attempt. An expired attempt is retryable.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
