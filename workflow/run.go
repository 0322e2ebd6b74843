package workflow

import (
	"time"

	"github.com/xraph/durable/id"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run was created and has not been activated.
	StatusPending Status = "pending"
	// StatusRunning means an activation is executing the workflow body.
	StatusRunning Status = "running"
	// StatusSuspended means the body is waiting on hooks or a sleep.
	StatusSuspended Status = "suspended"
	// StatusCompleted means the body returned a value.
	StatusCompleted Status = "completed"
	// StatusFailed means the body returned an error.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was cancelled or timed out.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state. Terminal runs never
// transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuspended,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is a single execution of a workflow.
type Run struct {
	ID       id.RunID `json:"id"`
	Workflow string   `json:"workflow"`
	Version  int      `json:"version"`
	Status   Status   `json:"status"`
	Input    []byte   `json:"input,omitempty"`
	Output   []byte   `json:"output,omitempty"`
	Error    string   `json:"error,omitempty"`

	// WaitingOn lists the hook tokens a suspended run waits for.
	WaitingOn []string `json:"waiting_on,omitempty"`
	// WakeAt is when a suspended run's earliest sleep is due.
	WakeAt *time.Time `json:"wake_at,omitempty"`
	// Deadline cancels the run with durable.ErrRunTimeout once passed.
	Deadline *time.Time `json:"deadline,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
