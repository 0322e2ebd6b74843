package step

import (
	"context"
	"errors"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// Info describes the step attempt a context belongs to.
type Info struct {
	RunID    id.RunID
	Workflow string
	Key      string
	Attempt  int
}

type infoKey struct{}

// WithInfo returns a context carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFrom returns the step attempt info carried by ctx. Step functions use
// the attempt number and key to build idempotency keys for external calls.
func InfoFrom(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// IdempotencyKey returns "<run>/<step key>", stable across attempts and
// replays of the same step.
func (i Info) IdempotencyKey() string {
	return i.RunID.String() + "/" + i.Key
}

func asRetryable(err error) (*durable.RetryableError, bool) {
	var re *durable.RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
