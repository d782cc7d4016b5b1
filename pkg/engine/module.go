package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// CurrentState is the result of probing a resource against desired params.
type CurrentState struct {
	// Satisfied is true when the probed state already matches the desired
	// parameters under the module's own equality rule.
	Satisfied bool `json:"satisfied"`

	// Exists is true when the underlying resource exists at all.
	Exists bool `json:"exists"`

	// Detail is a human-readable description of the probed state.
	Detail string `json:"detail,omitempty"`

	// State carries module-specific probed values (checksums, versions).
	State map[string]any `json:"state,omitempty"`
}

// Result is the outcome of a module apply.
type Result struct {
	// Changed is true when the apply mutated the host.
	Changed bool `json:"changed"`

	// Detail is a human-readable description of what was done.
	Detail string `json:"detail,omitempty"`

	// Output carries module-specific output (command stdout, new checksum).
	Output map[string]any `json:"output,omitempty"`
}

// Module is a pluggable probe/apply implementation for one kind of
// resource. Modules are stateless; calling Apply twice with the same
// desired state must leave the host unchanged and report Changed=false
// the second time (except non-idempotent modules, which skip the probe
// phase entirely and change every run).
type Module interface {
	// Kind returns the module kind name used in task records.
	Kind() string

	// Idempotent reports whether the module supports the probe phase.
	// Non-idempotent modules (command) are always applied.
	Idempotent() bool

	// Probe reads the current relevant host state and decides whether the
	// desired parameters are already satisfied.
	Probe(ctx context.Context, host *HostState, params map[string]any) (*CurrentState, error)

	// Apply mutates the host toward the desired parameters.
	Apply(ctx context.Context, host *HostState, params map[string]any) (*Result, error)
}

// Registry maps module kind names to implementations. It is populated with
// built-ins at process start and may be extended with custom modules before
// a run begins. Lookup of an unknown kind is a build-time ConfigError,
// never a run-time surprise.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module. Registering a duplicate kind is an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := m.Kind()
	if kind == "" {
		return NewConfigError("module kind is empty", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := r.modules[kind]; exists {
		return NewConfigError(fmt.Sprintf("module kind already registered: %s", kind), nil).
			WithCode(ErrCodeValidation)
	}
	r.modules[kind] = m
	return nil
}

// MustRegister registers a module and panics on error. Intended for
// built-in registration at process start.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns the module for a kind.
func (r *Registry) Get(kind string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[kind]
	return m, ok
}

// Kinds returns the sorted list of registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.modules))
	for k := range r.modules {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// GuardEvaluator evaluates when guard expressions. The engine validates
// syntax at graph-build time and evaluates against the run environment
// per node.
type GuardEvaluator interface {
	// Validate checks expression syntax. A syntax error is fatal at build
	// time.
	Validate(expr string) error

	// Eval evaluates the expression against the environment. Referencing
	// an undefined name returns an error with code UNDEFINED_VARIABLE;
	// the reconciler decides whether that skips or fails the task.
	Eval(ctx context.Context, expr string, env map[string]any) (bool, error)
}

// ParamRenderer substitutes {{ name }} references in task parameters
// against the run environment, failing clearly on missing keys.
type ParamRenderer interface {
	// Validate checks template syntax in a string value.
	Validate(s string) error

	// Render returns a copy of params with all references resolved.
	Render(params map[string]any, env map[string]any) (map[string]any, error)
}
