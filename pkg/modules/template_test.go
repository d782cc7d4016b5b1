package modules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convergo/convergo/pkg/engine"
)

// passRenderer substitutes "{{ name }}" references from string-valued
// environment entries and passes everything else through.
type passRenderer struct{}

func (passRenderer) Validate(string) error { return nil }

func (passRenderer) Render(params map[string]any, env map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		for name, val := range env {
			if sv, ok := val.(string); ok {
				s = strings.ReplaceAll(s, "{{ "+name+" }}", sv)
			}
		}
		out[k] = s
	}
	return out, nil
}

func TestTemplateModuleRendersAndConverges(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "motd.tmpl")
	dest := filepath.Join(dir, "motd")
	if err := os.WriteFile(src, []byte("{{ greeting }} world\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewTemplateModule(passRenderer{})
	host := &engine.HostState{
		Facts: map[string]any{},
		Vars:  map[string]any{"greeting": "hello"},
	}
	params := map[string]any{"src": src, "dest": dest}

	cs, err := m.Probe(context.Background(), host, params)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if cs.Satisfied || cs.Exists {
		t.Errorf("missing dest probe = %+v, want unsatisfied", cs)
	}

	res, err := m.Apply(context.Background(), host, params)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Changed {
		t.Error("Apply() Changed = false, want true")
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(data) != "hello world\n" {
		t.Errorf("rendered content = %q", data)
	}

	cs, err = m.Probe(context.Background(), host, params)
	if err != nil {
		t.Fatalf("second Probe() error = %v", err)
	}
	if !cs.Satisfied {
		t.Errorf("converged probe = %+v, want satisfied", cs)
	}
}

func TestTemplateModuleRejectsNonStringOwnership(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "app.tmpl")
	dest := filepath.Join(dir, "app.conf")
	if err := os.WriteFile(src, []byte("key=value\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewTemplateModule(passRenderer{})
	host := &engine.HostState{Facts: map[string]any{}, Vars: map[string]any{}}

	tests := []struct {
		name   string
		params map[string]any
	}{
		{"owner", map[string]any{"src": src, "dest": dest, "owner": 123}},
		{"group", map[string]any{"src": src, "dest": dest, "group": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Apply(context.Background(), host, tt.params); err == nil {
				t.Errorf("Apply() with non-string %s succeeded, want error", tt.name)
			}
		})
	}
}
