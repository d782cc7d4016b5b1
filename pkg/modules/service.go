package modules

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// ServiceModule converges systemd units. Supported states: started
// (default), stopped, restarted. The optional "enabled" parameter also
// converges boot-time enablement. A restarted state is never satisfied;
// the engine treats the task as changed every run, so guard it with a
// notify handler instead when idempotence matters.
type ServiceModule struct{}

// Kind implements engine.Module.
func (m *ServiceModule) Kind() string { return "service" }

// Idempotent implements engine.Module.
func (m *ServiceModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *ServiceModule) Probe(ctx context.Context, _ *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	name, state, wantEnabled, hasEnabled, err := serviceDesired(params)
	if err != nil {
		return nil, err
	}

	active := systemctlCheck(ctx, "is-active", name)
	enabled := systemctlCheck(ctx, "is-enabled", name)

	cs := &engine.CurrentState{
		Exists: true,
		Detail: fmt.Sprintf("%s active=%t enabled=%t", name, active, enabled),
		State:  map[string]any{"active": active, "enabled": enabled},
	}

	switch state {
	case "started":
		cs.Satisfied = active
	case "stopped":
		cs.Satisfied = !active
	case "restarted":
		cs.Satisfied = false
	}
	if hasEnabled && enabled != wantEnabled {
		cs.Satisfied = false
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *ServiceModule) Apply(ctx context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	name, state, wantEnabled, hasEnabled, err := serviceDesired(params)
	if err != nil {
		return nil, err
	}

	var actions []string

	switch state {
	case "started":
		if !systemctlCheck(ctx, "is-active", name) {
			if err := systemctlRun(ctx, "start", name); err != nil {
				return nil, err
			}
			actions = append(actions, "started")
		}
	case "stopped":
		if systemctlCheck(ctx, "is-active", name) {
			if err := systemctlRun(ctx, "stop", name); err != nil {
				return nil, err
			}
			actions = append(actions, "stopped")
		}
	case "restarted":
		if err := systemctlRun(ctx, "restart", name); err != nil {
			return nil, err
		}
		actions = append(actions, "restarted")
	}

	if hasEnabled {
		enabled := systemctlCheck(ctx, "is-enabled", name)
		if wantEnabled && !enabled {
			if err := systemctlRun(ctx, "enable", name); err != nil {
				return nil, err
			}
			actions = append(actions, "enabled")
		} else if !wantEnabled && enabled {
			if err := systemctlRun(ctx, "disable", name); err != nil {
				return nil, err
			}
			actions = append(actions, "disabled")
		}
	}

	if len(actions) == 0 {
		return &engine.Result{Changed: false, Detail: name + " already converged"}, nil
	}
	return &engine.Result{
		Changed: true,
		Detail:  fmt.Sprintf("%s %s", name, strings.Join(actions, ", ")),
	}, nil
}

func serviceDesired(params map[string]any) (name, state string, wantEnabled, hasEnabled bool, err error) {
	name, err = stringParam(params, "name")
	if err != nil {
		return "", "", false, false, err
	}
	state, err = optionalString(params, "state", "started")
	if err != nil {
		return "", "", false, false, err
	}
	switch state {
	case "started", "stopped", "restarted":
	default:
		return "", "", false, false, fmt.Errorf("invalid state: %s", state)
	}
	if _, ok := params["enabled"]; ok {
		hasEnabled = true
		wantEnabled, err = optionalBool(params, "enabled", false)
		if err != nil {
			return "", "", false, false, err
		}
	}
	return name, state, wantEnabled, hasEnabled, nil
}

func systemctlCheck(ctx context.Context, verb, name string) bool {
	return exec.CommandContext(ctx, "systemctl", verb, "--quiet", name).Run() == nil
}

func systemctlRun(ctx context.Context, verb, name string) error {
	if out, err := exec.CommandContext(ctx, "systemctl", verb, name).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s %s failed: %w: %s", verb, name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
