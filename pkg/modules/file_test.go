package modules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileModuleProbeAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "motd")
	m := &FileModule{}
	params := map[string]any{"path": path, "content": "welcome\n", "mode": "0644"}

	cs, err := m.Probe(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if cs.Satisfied || cs.Exists {
		t.Errorf("missing file probe = %+v, want unsatisfied", cs)
	}

	res, err := m.Apply(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("Apply() Changed = false, want true")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(data) != "welcome\n" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %o, want 644", info.Mode().Perm())
	}

	cs, err = m.Probe(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("second Probe() error = %v", err)
	}
	if !cs.Satisfied {
		t.Errorf("converged probe = %+v, want satisfied", cs)
	}
}

func TestFileModuleDetectsContentDrift(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &FileModule{}
	params := map[string]any{"path": path, "content": "new"}

	cs, err := m.Probe(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if cs.Satisfied {
		t.Error("drifted file probed satisfied")
	}
}

func TestFileModuleAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &FileModule{}
	params := map[string]any{"path": path, "state": "absent"}

	cs, err := m.Probe(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if cs.Satisfied {
		t.Error("existing file probed satisfied for absent")
	}

	if _, err := m.Apply(context.Background(), nil, params); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists after absent apply")
	}
}

func TestFileModuleDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b")
	m := &FileModule{}
	params := map[string]any{"path": path, "state": "directory", "mode": "0750"}

	if _, err := m.Apply(context.Background(), nil, params); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if info.Mode().Perm() != 0o750 {
		t.Errorf("mode = %o, want 750", info.Mode().Perm())
	}

	cs, err := m.Probe(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !cs.Satisfied {
		t.Errorf("existing directory probe = %+v, want satisfied", cs)
	}
}

func TestFileModuleRejectsBadMode(t *testing.T) {
	m := &FileModule{}
	_, err := m.Probe(context.Background(), nil, map[string]any{"path": "/tmp/x", "mode": "worldwritable"})
	if err == nil {
		t.Error("Probe() accepted invalid mode")
	}
}
