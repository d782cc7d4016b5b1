package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// refPattern matches one {{ name }} reference. Names are identifiers
// with optional dotted segments for reaching into nested maps.
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\s*\}\}`)

// TemplateRenderer resolves {{ name }} references in parameter values
// against the run environment. A string that is exactly one reference
// substitutes the raw value, preserving lists and maps; references
// embedded in longer strings stringify. Unknown references fail the
// task rather than rendering empty.
type TemplateRenderer struct{}

// NewTemplateRenderer creates a renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// Validate implements engine.ParamRenderer.
func (r *TemplateRenderer) Validate(s string) error {
	stripped := refPattern.ReplaceAllString(s, "")
	if i := strings.Index(stripped, "{{"); i >= 0 {
		return fmt.Errorf("malformed reference near %q", snippet(stripped[i:]))
	}
	if i := strings.Index(stripped, "}}"); i >= 0 {
		return fmt.Errorf("unmatched closing delimiter near %q", snippet(stripped[:i+2]))
	}
	return nil
}

// Render implements engine.ParamRenderer.
func (r *TemplateRenderer) Render(params map[string]any, env map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		rendered, err := r.renderValue(v, env)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (r *TemplateRenderer) renderValue(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.renderString(val, env)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.renderValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]any:
		return r.Render(val, env)
	default:
		return v, nil
	}
}

func (r *TemplateRenderer) renderString(s string, env map[string]any) (any, error) {
	// A whole-string reference passes the value through unstringified so
	// list- and map-valued variables survive substitution.
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		return lookupRef(env, m[1])
	}

	var rerr error
	result := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := refPattern.FindStringSubmatch(ref)[1]
		val, err := lookupRef(env, name)
		if err != nil {
			rerr = err
			return ref
		}
		return fmt.Sprintf("%v", val)
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

// lookupRef resolves a dotted reference through nested maps.
func lookupRef(env map[string]any, name string) (any, error) {
	cur := any(env)
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, engine.NewProbeError(
				fmt.Sprintf("reference %s traverses non-mapping value", name), nil).
				WithCode(engine.ErrCodeTemplate)
		}
		cur, ok = m[part]
		if !ok {
			return nil, engine.NewProbeError(
				fmt.Sprintf("undefined reference: %s", name), nil).
				WithCode(engine.ErrCodeTemplate)
		}
	}
	return cur, nil
}

func snippet(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}
