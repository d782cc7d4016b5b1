package policy

import (
	"context"
	"testing"

	"github.com/convergo/convergo/pkg/engine"
)

const denyCommandPolicy = `
package convergo

deny contains msg if {
	some i
	input.tasks[i].module == "command"
	msg := sprintf("task %s uses the command module", [input.tasks[i].name])
}
`

type idempotentModule struct{ kind string }

func (m idempotentModule) Kind() string     { return m.kind }
func (m idempotentModule) Idempotent() bool { return m.kind != "command" }
func (m idempotentModule) Probe(context.Context, *engine.HostState, map[string]any) (*engine.CurrentState, error) {
	return &engine.CurrentState{Satisfied: true}, nil
}
func (m idempotentModule) Apply(context.Context, *engine.HostState, map[string]any) (*engine.Result, error) {
	return &engine.Result{}, nil
}

func testGraph(t *testing.T, reg *engine.Registry, tasks []engine.Task) *engine.Graph {
	t.Helper()
	g, err := engine.NewGraphBuilder(reg, nil, nil).Build(tasks, nil, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func TestEnforcingPolicyDeniesGraph(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(idempotentModule{kind: "package"})
	reg.MustRegister(idempotentModule{kind: "command"})

	e := NewEngine(ModeEnforcing)
	ctx := context.Background()
	if err := e.LoadPolicy(ctx, "deny_command", denyCommandPolicy); err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}

	g := testGraph(t, reg, []engine.Task{
		{Name: "install", Module: "package"},
		{Name: "hack", Module: "command"},
	})

	decision, err := e.EvaluateGraph(ctx, g, reg)
	if err != nil {
		t.Fatalf("EvaluateGraph() error = %v", err)
	}
	if decision.Allowed {
		t.Error("Allowed = true, want denial")
	}
	if len(decision.Denials) != 1 {
		t.Errorf("Denials = %v, want one", decision.Denials)
	}
}

func TestAdvisoryPolicyAllowsWithDenials(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(idempotentModule{kind: "command"})

	e := NewEngine(ModeAdvisory)
	ctx := context.Background()
	if err := e.LoadPolicy(ctx, "deny_command", denyCommandPolicy); err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}

	g := testGraph(t, reg, []engine.Task{{Name: "hack", Module: "command"}})

	decision, err := e.EvaluateGraph(ctx, g, reg)
	if err != nil {
		t.Fatalf("EvaluateGraph() error = %v", err)
	}
	if !decision.Allowed {
		t.Error("advisory mode blocked the run")
	}
	if len(decision.Denials) == 0 {
		t.Error("advisory denials not reported")
	}
}

func TestCleanGraphPasses(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(idempotentModule{kind: "package"})

	e := NewEngine(ModeEnforcing)
	ctx := context.Background()
	if err := e.LoadPolicy(ctx, "deny_command", denyCommandPolicy); err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}

	g := testGraph(t, reg, []engine.Task{{Name: "install", Module: "package"}})

	decision, err := e.EvaluateGraph(ctx, g, reg)
	if err != nil {
		t.Fatalf("EvaluateGraph() error = %v", err)
	}
	if !decision.Allowed || len(decision.Denials) != 0 {
		t.Errorf("decision = %+v, want clean pass", decision)
	}
}

func TestLoadPolicyRejectsBadRego(t *testing.T) {
	e := NewEngine(ModeEnforcing)
	if err := e.LoadPolicy(context.Background(), "broken", "package convergo\ndeny contains msg if {"); err == nil {
		t.Error("LoadPolicy() accepted broken rego")
	}
}
