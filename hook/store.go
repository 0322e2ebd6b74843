package hook

import (
	"context"
	"time"

	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
)

// Store defines the persistence contract for hooks.
type Store interface {
	// CreateHook persists a new hook. It returns durable.ErrHookConflict when
	// a non-disposed hook already owns the token; a disposed hook with the
	// same token is replaced.
	CreateHook(ctx context.Context, h *Hook) error

	// GetHook returns the hook addressed by token, or durable.ErrHookNotFound.
	GetHook(ctx context.Context, token string) (*Hook, error)

	// ListHooks returns the hooks of a run.
	ListHooks(ctx context.Context, runID id.RunID) ([]*Hook, error)

	// DeliverHook atomically accepts payload for token and appends the
	// matching hook_resume entry (Key = hook key, Attempt = delivery
	// ordinal starting at 1) to the owning run's journal. A one-shot hook
	// moves to resolved. It returns durable.ErrHookNotFound for absent,
	// disposed or expired hooks and durable.ErrHookAlreadyResolved for a
	// resolved one-shot hook.
	DeliverHook(ctx context.Context, token string, payload []byte, now time.Time) (*journal.Entry, error)

	// DisposeHooks marks every hook of a run disposed.
	DisposeHooks(ctx context.Context, runID id.RunID) error
}
