// Package config loads playbooks from YAML and provides the guard
// evaluator and parameter renderer the engine plugs in: Starlark for
// guard expressions, a small reference renderer for {{ name }} template
// substitution.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/convergo/convergo/pkg/engine"
)

// Playbook is a loaded, validated task list ready for graph building.
type Playbook struct {
	// Name identifies the playbook in reports and run history.
	Name string `json:"name"`

	// Vars is the playbook-level variable binding.
	Vars map[string]any `json:"vars,omitempty"`

	// Tasks is the ordered main-phase task list.
	Tasks []engine.Task `json:"tasks"`

	// Handlers is the ordered handler list.
	Handlers []engine.Task `json:"handlers,omitempty"`
}

// playbookDoc is the YAML document shape. Timeouts are duration strings
// ("30s") and with_items may be a literal list or a single variable
// reference that resolves to one.
type playbookDoc struct {
	Name     string         `yaml:"name" validate:"required"`
	Vars     map[string]any `yaml:"vars"`
	Tasks    []taskDoc      `yaml:"tasks" validate:"required,min=1,dive"`
	Handlers []taskDoc      `yaml:"handlers" validate:"dive"`
}

type taskDoc struct {
	Name         string         `yaml:"name" validate:"required"`
	Module       string         `yaml:"module" validate:"required"`
	Params       map[string]any `yaml:"params"`
	When         string         `yaml:"when"`
	WithItems    any            `yaml:"with_items"`
	Notify       []string       `yaml:"notify"`
	Requires     []string       `yaml:"requires"`
	Tags         []string       `yaml:"tags"`
	IgnoreErrors bool           `yaml:"ignore_errors"`
	Timeout      string         `yaml:"timeout"`
}

// Load reads and parses a playbook file. The renderer resolves
// with_items variable references against the playbook vars at load time
// so the graph builder always sees concrete item lists.
func Load(path string, renderer engine.ParamRenderer) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("read playbook %s", path), err)
	}
	return Parse(data, renderer)
}

// Parse parses playbook YAML.
func Parse(data []byte, renderer engine.ParamRenderer) (*Playbook, error) {
	var doc playbookDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigError("invalid playbook YAML", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, engine.NewConfigError("playbook validation failed", err).
			WithCode(engine.ErrCodeValidation)
	}

	pb := &Playbook{Name: doc.Name, Vars: doc.Vars}
	if pb.Vars == nil {
		pb.Vars = map[string]any{}
	}

	for i := range doc.Tasks {
		t, err := doc.Tasks[i].toTask(pb.Vars, renderer)
		if err != nil {
			return nil, err
		}
		pb.Tasks = append(pb.Tasks, t)
	}
	for i := range doc.Handlers {
		h, err := doc.Handlers[i].toTask(pb.Vars, renderer)
		if err != nil {
			return nil, err
		}
		pb.Handlers = append(pb.Handlers, h)
	}
	return pb, nil
}

func (d *taskDoc) toTask(vars map[string]any, renderer engine.ParamRenderer) (engine.Task, error) {
	t := engine.Task{
		Name:         d.Name,
		Module:       d.Module,
		Params:       d.Params,
		When:         d.When,
		Notify:       d.Notify,
		Requires:     d.Requires,
		Tags:         d.Tags,
		IgnoreErrors: d.IgnoreErrors,
	}

	if d.Timeout != "" {
		dur, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return engine.Task{}, engine.NewConfigError(
				fmt.Sprintf("invalid timeout %q", d.Timeout), err).
				WithCode(engine.ErrCodeValidation).WithTask(d.Name)
		}
		t.Timeout = dur
	}

	items, err := resolveItems(d.WithItems, vars, renderer)
	if err != nil {
		return engine.Task{}, engine.NewConfigError("invalid with_items", err).
			WithCode(engine.ErrCodeValidation).WithTask(d.Name)
	}
	t.WithItems = items
	return t, nil
}

// resolveItems accepts a literal item list or a single variable reference
// ("{{ mypackages }}") that resolves to one.
func resolveItems(v any, vars map[string]any, renderer engine.ParamRenderer) ([]any, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	case string:
		if renderer == nil {
			return nil, fmt.Errorf("with_items reference needs a renderer")
		}
		rendered, err := renderer.Render(map[string]any{"items": items}, vars)
		if err != nil {
			return nil, err
		}
		list, ok := rendered["items"].([]any)
		if !ok {
			return nil, fmt.Errorf("with_items reference %q did not resolve to a list", items)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("with_items must be a list or a variable reference, got %T", v)
	}
}
