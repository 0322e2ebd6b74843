// Package backoff provides retry delay strategies for step execution.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first failed attempt.
	Delay(retry int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits min(Initial*retry, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * retry, capped at Max.
func (l *Linear) Delay(retry int) time.Duration {
	return capped(l.Initial*time.Duration(retry), l.Max)
}

// Exponential waits min(Initial*2^(retry-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	return capped(exponential(e.Initial, retry), e.Max)
}

// ExponentialWithJitter applies full jitter to the capped exponential curve:
// the delay is uniform in [0, min(Initial*2^(retry-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial*2^(retry-1), Max)].
func (e *ExponentialWithJitter) Delay(retry int) time.Duration {
	ceiling := capped(exponential(e.Initial, retry), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter does not need crypto rand
}

// Func adapts a plain function into a Strategy.
type Func func(retry int) time.Duration

// Delay calls f.
func (f Func) Delay(retry int) time.Duration { return f(retry) }

// DefaultStrategy returns the step retry curve used when a step does not
// choose one: exponential with full jitter, 1s initial, capped at 1m.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

func exponential(initial time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	f := float64(initial) * math.Pow(2, float64(retry-1))
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
