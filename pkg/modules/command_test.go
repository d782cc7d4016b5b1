package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCommandModuleRunsAndCapturesOutput(t *testing.T) {
	m := &CommandModule{}
	res, err := m.Apply(context.Background(), nil, map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("Apply() Changed = false, want true")
	}
	if res.Output["stdout"] != "hello" {
		t.Errorf("stdout = %v, want hello", res.Output["stdout"])
	}
}

func TestCommandModuleFailureSurfacesOutput(t *testing.T) {
	m := &CommandModule{}
	_, err := m.Apply(context.Background(), nil, map[string]any{"command": "echo boom >&2; exit 3"})
	if err == nil {
		t.Fatal("Apply() succeeded, want error")
	}
}

func TestCommandModuleCreatesShortCircuit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m := &CommandModule{}
	res, err := m.Apply(context.Background(), nil, map[string]any{
		"command": "exit 1",
		"creates": marker,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Changed {
		t.Error("Apply() ran despite creates path existing")
	}
}

func TestCommandModuleNotIdempotent(t *testing.T) {
	m := &CommandModule{}
	if m.Idempotent() {
		t.Error("command module reports idempotent")
	}
	if _, err := m.Probe(context.Background(), nil, nil); err == nil {
		t.Error("Probe() succeeded, want error")
	}
}
