package modules

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// LineInFileModule converges a single line in a text file. With state
// present (default) the line is appended, or replaces the first line
// matching the "regexp" parameter when one is given. With state absent
// all matching lines (by regexp, or exact line equality) are removed.
// The "create" parameter allows writing a missing file.
type LineInFileModule struct{}

type lineDesired struct {
	path    string
	line    string
	state   string
	pattern *regexp.Regexp
	create  bool
}

// Kind implements engine.Module.
func (m *LineInFileModule) Kind() string { return "lineinfile" }

// Idempotent implements engine.Module.
func (m *LineInFileModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *LineInFileModule) Probe(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	d, err := lineParams(params)
	if err != nil {
		return nil, err
	}

	lines, exists, err := readLines(d.path)
	if err != nil {
		return nil, err
	}

	cs := &engine.CurrentState{Exists: exists}
	if !exists {
		if d.state == "absent" {
			cs.Satisfied = true
			cs.Detail = d.path + " absent, nothing to remove"
		} else {
			cs.Detail = d.path + " missing"
		}
		return cs, nil
	}

	_, changed := convergeLines(lines, d)
	cs.Satisfied = !changed
	if changed {
		cs.Detail = "line not converged in " + d.path
	} else {
		cs.Detail = "line converged in " + d.path
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *LineInFileModule) Apply(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	d, err := lineParams(params)
	if err != nil {
		return nil, err
	}

	lines, exists, err := readLines(d.path)
	if err != nil {
		return nil, err
	}
	if !exists {
		if d.state == "absent" {
			return &engine.Result{Changed: false, Detail: d.path + " already absent"}, nil
		}
		if !d.create {
			return nil, fmt.Errorf("%s does not exist and create is false", d.path)
		}
		lines = nil
	}

	out, changed := convergeLines(lines, d)
	if !changed {
		return &engine.Result{Changed: false, Detail: "line already converged"}, nil
	}

	content := strings.Join(out, "\n")
	if len(out) > 0 {
		content += "\n"
	}
	if err := writeFileAtomic(d.path, []byte(content), 0o644); err != nil {
		return nil, err
	}

	detail := "ensured line in " + d.path
	if d.state == "absent" {
		detail = "removed line from " + d.path
	}
	return &engine.Result{Changed: true, Detail: detail}, nil
}

// convergeLines returns the converged line slice and whether it differs
// from the input.
func convergeLines(lines []string, d *lineDesired) ([]string, bool) {
	matches := func(s string) bool {
		if d.pattern != nil {
			return d.pattern.MatchString(s)
		}
		return s == d.line
	}

	if d.state == "absent" {
		out := make([]string, 0, len(lines))
		removed := false
		for _, l := range lines {
			if matches(l) {
				removed = true
				continue
			}
			out = append(out, l)
		}
		return out, removed
	}

	if d.pattern != nil {
		for i, l := range lines {
			if d.pattern.MatchString(l) {
				if l == d.line {
					return lines, false
				}
				out := append([]string{}, lines...)
				out[i] = d.line
				return out, true
			}
		}
	}
	for _, l := range lines {
		if l == d.line {
			return lines, false
		}
	}
	return append(append([]string{}, lines...), d.line), true
}

func lineParams(params map[string]any) (*lineDesired, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	state, err := optionalString(params, "state", "present")
	if err != nil {
		return nil, err
	}
	if state != "present" && state != "absent" {
		return nil, fmt.Errorf("invalid state: %s", state)
	}

	d := &lineDesired{path: path, state: state}

	if d.line, err = optionalString(params, "line", ""); err != nil {
		return nil, err
	}
	if state == "present" && d.line == "" {
		return nil, fmt.Errorf("missing required parameter: line")
	}

	expr, err := optionalString(params, "regexp", "")
	if err != nil {
		return nil, err
	}
	if expr != "" {
		if d.pattern, err = regexp.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid regexp %q: %w", expr, err)
		}
	}
	if state == "absent" && d.line == "" && d.pattern == nil {
		return nil, fmt.Errorf("state absent needs line or regexp")
	}

	if d.create, err = optionalBool(params, "create", false); err != nil {
		return nil, err
	}
	return d, nil
}

func readLines(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return []string{}, true, nil
	}
	return strings.Split(text, "\n"), true, nil
}
