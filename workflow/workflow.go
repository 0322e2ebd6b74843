package workflow

import "time"

// Definition is a typed workflow. I is the input type and O the output
// type; both travel as JSON.
type Definition[I, O any] struct {
	// Name is the unique identifier for this workflow type.
	Name string

	// Version distinguishes incompatible revisions of the body. Runs keep
	// replaying on the version they started with. Zero means 1.
	Version int

	// Timeout, when set, cancels runs that are not finished in time.
	Timeout time.Duration

	// Handler is the workflow body. It is re-executed from the top on every
	// activation and must be deterministic outside of steps.
	Handler func(wf *Workflow, input I) (O, error)
}

// New creates a typed workflow definition.
func New[I, O any](name string, handler func(wf *Workflow, input I) (O, error)) *Definition[I, O] {
	return &Definition[I, O]{Name: name, Handler: handler}
}

// Validator is implemented by inputs that check themselves. A failing
// Validate rejects the start with a durable.ValidationError.
type Validator interface {
	Validate() error
}
