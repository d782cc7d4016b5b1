// Package modules provides the built-in probe/apply modules: package,
// service, file, lineinfile, template, command, firewall, and xml. Each
// module reads current host state in Probe and converges it in Apply;
// the engine never calls Apply when Probe reports the state satisfied.
package modules

import (
	"fmt"

	"github.com/convergo/convergo/pkg/engine"
)

// DefaultRegistry returns a registry with every built-in module
// registered. The template module needs the run's renderer to expand
// source files against variables and facts.
func DefaultRegistry(renderer engine.ParamRenderer) *engine.Registry {
	r := engine.NewRegistry()
	r.MustRegister(&PackageModule{})
	r.MustRegister(&ServiceModule{})
	r.MustRegister(&FileModule{})
	r.MustRegister(&LineInFileModule{})
	r.MustRegister(NewTemplateModule(renderer))
	r.MustRegister(&CommandModule{})
	r.MustRegister(&FirewallModule{})
	r.MustRegister(&XMLModule{})
	return r
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// optionalString extracts an optional string parameter with a default.
func optionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// optionalBool extracts an optional bool parameter with a default.
func optionalBool(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %s must be a bool, got %T", key, v)
	}
	return b, nil
}

// optionalStringMap extracts an optional map of string values.
func optionalStringMap(params map[string]any, key string) (map[string]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s must be a mapping, got %T", key, v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %s.%s must be a string, got %T", key, k, val)
		}
		out[k] = s
	}
	return out, nil
}
