package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/durable"
)

// RunnerFunc is a type-erased workflow body that takes and returns JSON.
// The typed Definition is converted to a RunnerFunc at registration time.
type RunnerFunc func(wf *Workflow, input []byte) ([]byte, error)

// Registered is one version of a workflow in a Registry.
type Registered struct {
	Name    string
	Version int
	Timeout time.Duration
	Run     RunnerFunc

	// Validate checks start input without running the body.
	Validate func(input []byte) error
}

// Registry maps workflow names to versioned bodies. Multiple versions of
// the same workflow can be registered; new runs use the latest. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]Registered
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]Registered)}
}

// Register adds a typed definition. The handler is wrapped in a closure
// that decodes the JSON input into I and encodes the output O.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[I, O any](r *Registry, def *Definition[I, O]) {
	version := def.Version
	if version <= 0 {
		version = 1
	}

	r.add(Registered{
		Name:    def.Name,
		Version: version,
		Timeout: def.Timeout,
		Run: func(wf *Workflow, input []byte) ([]byte, error) {
			in, err := decodeInput[I](input)
			if err != nil {
				return nil, err
			}
			out, err := def.Handler(wf, in)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("marshal output of workflow %q: %w", def.Name, err)
			}
			return data, nil
		},
		Validate: func(input []byte) error {
			_, err := decodeInput[I](input)
			return err
		},
	})
}

func decodeInput[I any](input []byte) (I, error) {
	var in I
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return in, &durable.ValidationError{Field: "input", Err: err}
		}
	}
	if v, ok := any(in).(Validator); ok {
		if err := v.Validate(); err != nil {
			var ve *durable.ValidationError
			if errors.As(err, &ve) {
				return in, err
			}
			return in, &durable.ValidationError{Field: "input", Err: err}
		}
	}
	return in, nil
}

func (r *Registry) add(reg Registered) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[reg.Name]
	for i, v := range existing {
		if v.Version == reg.Version {
			existing[i] = reg
			return
		}
	}
	r.versions[reg.Name] = append(existing, reg)
}

// Get returns the latest version of the named workflow.
func (r *Registry) Get(name string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[name]
	if len(versions) == 0 {
		return Registered{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.Version > best.Version {
			best = v
		}
	}
	return best, true
}

// GetVersion returns a specific version of a workflow. A version <= 0
// behaves like Get.
func (r *Registry) GetVersion(name string, version int) (Registered, bool) {
	if version <= 0 {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.Version == version {
			return v, true
		}
	}
	return Registered{}, false
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
