package hook

import (
	"time"

	"github.com/xraph/durable/id"
)

// Status is the lifecycle state of a hook.
type Status string

const (
	// StatusPending means the hook accepts deliveries.
	StatusPending Status = "pending"
	// StatusResolved means a one-shot hook received its payload.
	StatusResolved Status = "resolved"
	// StatusDisposed means the owning run finished or was cancelled.
	StatusDisposed Status = "disposed"
)

// Hook is the durable record of a suspension point addressed by Token.
type Hook struct {
	Token      string     `json:"token"`
	RunID      id.RunID   `json:"run_id"`
	Key        string     `json:"key"`
	Schema     string     `json:"schema,omitempty"`
	Iterable   bool       `json:"iterable,omitempty"`
	Status     Status     `json:"status"`
	Deliveries int        `json:"deliveries"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the hook's TTL has passed at now.
func (h *Hook) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}

// Accepting reports whether a delivery would be accepted at now.
func (h *Hook) Accepting(now time.Time) bool {
	if h.Status != StatusPending || h.Expired(now) {
		return false
	}
	return true
}

// Spec describes a hook the workflow wants to wait on.
type Spec struct {
	RunID id.RunID
	Key   string

	// Token addresses the hook. Empty generates a one-shot token.
	Token string

	// Schema names a schema registered on the Registry. Empty accepts any
	// JSON payload.
	Schema string

	// Iterable hooks accept many deliveries.
	Iterable bool

	// TTL bounds how long the hook accepts deliveries. Zero is unbounded.
	TTL time.Duration
}
