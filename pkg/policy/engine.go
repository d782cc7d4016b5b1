// Package policy gates execution graphs through OPA Rego policies. A
// policy package named convergo emits deny[msg] rules; any denial blocks
// the run in enforcing mode and logs a warning in advisory mode.
package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog/log"

	"github.com/convergo/convergo/pkg/engine"
)

// Mode controls how denials are handled.
type Mode string

const (
	// ModeEnforcing blocks the run on any denial.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory logs denials and lets the run proceed.
	ModeAdvisory Mode = "advisory"
)

// Decision is the outcome of evaluating a graph against the loaded
// policies.
type Decision struct {
	// Allowed is false when an enforcing policy denied the graph.
	Allowed bool `json:"allowed"`

	// Denials lists deny messages from all policies.
	Denials []string `json:"denials,omitempty"`
}

// Engine compiles and evaluates Rego policies against execution graphs.
type Engine struct {
	mu      sync.RWMutex
	mode    Mode
	store   storage.Store
	queries map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine.
func NewEngine(mode Mode) *Engine {
	if mode == "" {
		mode = ModeAdvisory
	}
	return &Engine{
		mode:    mode,
		store:   inmem.New(),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// LoadPolicy compiles one Rego module and registers its deny query.
func (e *Engine) LoadPolicy(ctx context.Context, name, source string) error {
	if _, err := ast.ParseModule(name, source); err != nil {
		return engine.NewConfigError(fmt.Sprintf("parse policy %s", name), err).
			WithCode(engine.ErrCodePolicyDenied)
	}

	r := rego.New(
		rego.Module(name, source),
		rego.Query("data.convergo.deny"),
		rego.Store(e.store),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("compile policy %s", name), err).
			WithCode(engine.ErrCodePolicyDenied)
	}

	e.mu.Lock()
	e.queries[name] = query
	e.mu.Unlock()
	return nil
}

// LoadPolicyFile loads a policy from a .rego file.
func (e *Engine) LoadPolicyFile(ctx context.Context, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("read policy %s", path), err)
	}
	return e.LoadPolicy(ctx, path, string(source))
}

// EvaluateGraph evaluates all loaded policies against a graph. The
// policy input exposes the node list with name, module, tags, and
// whether the module opts out of the probe phase.
func (e *Engine) EvaluateGraph(ctx context.Context, g *engine.Graph, registry *engine.Registry) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := graphInput(g, registry)
	decision := &Decision{Allowed: true}

	for name, query := range e.queries {
		rs, err := query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("evaluate policy %s", name), err).
				WithCode(engine.ErrCodePolicyDenied)
		}
		for _, result := range rs {
			for _, expr := range result.Expressions {
				decision.Denials = append(decision.Denials, denialMessages(expr.Value)...)
			}
		}
	}

	if len(decision.Denials) > 0 {
		for _, msg := range decision.Denials {
			log.Warn().Str("denial", msg).Msg("Policy denial")
		}
		if e.mode == ModeEnforcing {
			decision.Allowed = false
		}
	}
	return decision, nil
}

// graphInput builds the policy input document from a graph.
func graphInput(g *engine.Graph, registry *engine.Registry) map[string]any {
	tasks := make([]any, 0, len(g.Order))
	for _, id := range g.Order {
		node := g.Nodes[id]
		nonIdempotent := false
		if m, ok := registry.Get(node.Task.Module); ok {
			nonIdempotent = !m.Idempotent()
		}
		tags := make([]any, 0, len(node.Task.Tags))
		for _, tag := range node.Task.Tags {
			tags = append(tags, tag)
		}
		tasks = append(tasks, map[string]any{
			"name":           node.Task.Name,
			"node":           node.ID,
			"module":         node.Task.Module,
			"tags":           tags,
			"non_idempotent": nonIdempotent,
			"ignore_errors":  node.Task.IgnoreErrors,
		})
	}
	return map[string]any{"tasks": tasks}
}

// denialMessages flattens a deny rule result into strings.
func denialMessages(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			out = append(out, denialMessages(item)...)
		}
	case string:
		out = append(out, val)
	default:
		if val != nil {
			out = append(out, fmt.Sprintf("%v", val))
		}
	}
	return out
}
