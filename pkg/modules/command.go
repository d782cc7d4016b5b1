package modules

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// CommandModule runs an arbitrary shell command. It is the one built-in
// that opts out of the probe phase: the engine applies it every run and
// the outcome is always changed. The "creates" parameter restores a
// degree of idempotence by short-circuiting when the named path exists.
type CommandModule struct{}

// Kind implements engine.Module.
func (m *CommandModule) Kind() string { return "command" }

// Idempotent implements engine.Module.
func (m *CommandModule) Idempotent() bool { return false }

// Probe implements engine.Module. Never called by the engine.
func (m *CommandModule) Probe(context.Context, *engine.HostState, map[string]any) (*engine.CurrentState, error) {
	return nil, fmt.Errorf("command module does not support probing")
}

// Apply implements engine.Module.
func (m *CommandModule) Apply(ctx context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, err
	}
	creates, err := optionalString(params, "creates", "")
	if err != nil {
		return nil, err
	}
	chdir, err := optionalString(params, "chdir", "")
	if err != nil {
		return nil, err
	}

	if creates != "" {
		if _, err := os.Stat(creates); err == nil {
			return &engine.Result{Changed: false, Detail: creates + " already exists"}, nil
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if chdir != "" {
		cmd.Dir = chdir
	}
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, output)
	}

	return &engine.Result{
		Changed: true,
		Detail:  "command executed",
		Output:  map[string]any{"stdout": output},
	}, nil
}
