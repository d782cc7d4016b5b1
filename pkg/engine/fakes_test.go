package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeModule is a scripted module for engine tests. Probe reports satisfied
// when the host-side state map already holds the desired value for the
// "name" parameter; Apply writes it.
type fakeModule struct {
	kind       string
	idempotent bool
	probeErr   error
	applyErr   error
	applyDelay time.Duration

	mu      sync.Mutex
	state   map[string]bool
	probes  []string
	applies []string
	events  []string
}

func newFakeModule(kind string, idempotent bool) *fakeModule {
	return &fakeModule{kind: kind, idempotent: idempotent, state: make(map[string]bool)}
}

func (f *fakeModule) Kind() string     { return f.kind }
func (f *fakeModule) Idempotent() bool { return f.idempotent }

func (f *fakeModule) Probe(_ context.Context, _ *HostState, params map[string]any) (*CurrentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("%v", params["name"])
	f.probes = append(f.probes, name)
	f.events = append(f.events, "probe "+name)
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &CurrentState{Satisfied: f.state[name], Exists: f.state[name]}, nil
}

func (f *fakeModule) Apply(ctx context.Context, _ *HostState, params map[string]any) (*Result, error) {
	if f.applyDelay > 0 {
		select {
		case <-time.After(f.applyDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("%v", params["name"])
	f.applies = append(f.applies, name)
	f.events = append(f.events, "apply "+name)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.state[name] = true
	return &Result{Changed: true, Detail: "applied " + name}, nil
}

// fakeGuards evaluates a deliberately tiny expression language: "true",
// "false", "defined(x)", or a bare variable name looked up in the
// environment. Unbound names return UNDEFINED_VARIABLE, mirroring the
// real evaluator's contract.
type fakeGuards struct{}

func (fakeGuards) Validate(expr string) error {
	if strings.Contains(expr, "!!") {
		return fmt.Errorf("syntax error near %q", expr)
	}
	return nil
}

func (fakeGuards) Eval(_ context.Context, expr string, env map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if name, ok := strings.CutPrefix(expr, "defined("); ok {
		name = strings.TrimSuffix(name, ")")
		_, found := env[name]
		return found, nil
	}
	v, ok := env[expr]
	if !ok {
		return false, NewConfigError("undefined variable: "+expr, nil).
			WithCode(ErrCodeUndefinedVariable)
	}
	b, _ := v.(bool)
	return b, nil
}

// fakeRenderer substitutes whole-string "{{ name }}" placeholders from the
// environment and leaves everything else untouched.
type fakeRenderer struct{}

func (fakeRenderer) Validate(s string) error {
	if strings.Count(s, "{{") != strings.Count(s, "}}") {
		return fmt.Errorf("unbalanced template delimiters in %q", s)
	}
	return nil
}

func (fakeRenderer) Render(params map[string]any, env map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "{{"), "}}"))
			val, found := env[name]
			if !found {
				return nil, NewProbeError("unknown template reference: "+name, nil).
					WithCode(ErrCodeTemplate)
			}
			out[k] = val
			continue
		}
		out[k] = s
	}
	return out, nil
}

func testRegistry(mods ...Module) *Registry {
	r := NewRegistry()
	for _, m := range mods {
		r.MustRegister(m)
	}
	return r
}

func testReconciler(r *Registry, opts Options) *Reconciler {
	return NewReconciler(r, fakeGuards{}, fakeRenderer{}, opts)
}

func buildGraph(t interface{ Fatalf(string, ...any) }, r *Registry, tasks, handlers []Task, tags []string) *Graph {
	g, err := NewGraphBuilder(r, fakeGuards{}, fakeRenderer{}).Build(tasks, handlers, tags)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}
