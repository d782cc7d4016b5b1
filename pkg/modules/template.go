package modules

import (
	"context"
	"fmt"
	"os"

	"github.com/convergo/convergo/pkg/engine"
)

// TemplateModule renders a source template file against the run's
// variables and facts and converges the destination file to the rendered
// content. The template body uses the same reference syntax as task
// parameters. Variables are visible at top level and the fact set under
// "facts"; the per-item binding is not available since the source file
// is shared across item instances.
type TemplateModule struct {
	renderer engine.ParamRenderer
}

// NewTemplateModule creates a template module bound to a renderer.
func NewTemplateModule(renderer engine.ParamRenderer) *TemplateModule {
	return &TemplateModule{renderer: renderer}
}

// Kind implements engine.Module.
func (m *TemplateModule) Kind() string { return "template" }

// Idempotent implements engine.Module.
func (m *TemplateModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *TemplateModule) Probe(_ context.Context, host *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	dest, content, err := m.render(host, params)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(dest)
	if os.IsNotExist(err) {
		return &engine.CurrentState{Exists: false, Detail: dest + " missing"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dest, err)
	}

	want := contentChecksum([]byte(content))
	got := contentChecksum(data)
	cs := &engine.CurrentState{
		Exists:    true,
		Satisfied: got == want,
		State:     map[string]any{"checksum": got},
	}
	if cs.Satisfied {
		cs.Detail = dest + " up to date"
	} else {
		cs.Detail = dest + " differs from rendered template"
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *TemplateModule) Apply(_ context.Context, host *engine.HostState, params map[string]any) (*engine.Result, error) {
	dest, content, err := m.render(host, params)
	if err != nil {
		return nil, err
	}

	mode := os.FileMode(0o644)
	if s, err := optionalString(params, "mode", ""); err != nil {
		return nil, err
	} else if s != "" {
		d, err := fileParams(map[string]any{"path": dest, "mode": s})
		if err != nil {
			return nil, err
		}
		mode = d.mode
	}

	if err := writeFileAtomic(dest, []byte(content), mode); err != nil {
		return nil, err
	}
	owner, err := optionalString(params, "owner", "")
	if err != nil {
		return nil, err
	}
	group, err := optionalString(params, "group", "")
	if err != nil {
		return nil, err
	}
	if err := applyOwnership(dest, owner, group); err != nil {
		return nil, err
	}

	return &engine.Result{
		Changed: true,
		Detail:  "rendered template to " + dest,
		Output:  map[string]any{"checksum": contentChecksum([]byte(content))},
	}, nil
}

func (m *TemplateModule) render(host *engine.HostState, params map[string]any) (dest, content string, err error) {
	src, err := stringParam(params, "src")
	if err != nil {
		return "", "", err
	}
	dest, err = stringParam(params, "dest")
	if err != nil {
		return "", "", err
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return "", "", fmt.Errorf("read template %s: %w", src, err)
	}

	env := make(map[string]any, len(host.Vars)+1)
	for k, v := range host.Vars {
		env[k] = v
	}
	env["facts"] = host.Facts

	rendered, err := m.renderer.Render(map[string]any{"content": string(raw)}, env)
	if err != nil {
		return "", "", fmt.Errorf("render template %s: %w", src, err)
	}
	content, _ = rendered["content"].(string)
	return dest, content, nil
}
