package modules

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// PackageModule converges OS packages through the native package manager.
// Supported states: present (default), absent, latest. The manager is
// taken from the "manager" parameter, the pkg.manager fact, or binary
// detection, in that order.
type PackageModule struct{}

// Kind implements engine.Module.
func (m *PackageModule) Kind() string { return "package" }

// Idempotent implements engine.Module.
func (m *PackageModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *PackageModule) Probe(ctx context.Context, host *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	name, state, manager, err := m.desired(host, params)
	if err != nil {
		return nil, err
	}

	installed, version, err := isPackageInstalled(ctx, manager, name)
	if err != nil {
		return nil, err
	}

	cs := &engine.CurrentState{
		Exists: installed,
		State:  map[string]any{"installed": installed, "version": version, "manager": manager},
	}
	switch state {
	case "present":
		cs.Satisfied = installed
	case "absent":
		cs.Satisfied = !installed
	case "latest":
		if !installed {
			cs.Satisfied = false
			break
		}
		upgradable, err := hasUpgrade(ctx, manager, name)
		if err != nil {
			return nil, err
		}
		cs.Satisfied = !upgradable
	}
	if installed {
		cs.Detail = fmt.Sprintf("%s %s installed", name, version)
	} else {
		cs.Detail = fmt.Sprintf("%s not installed", name)
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *PackageModule) Apply(ctx context.Context, host *engine.HostState, params map[string]any) (*engine.Result, error) {
	name, state, manager, err := m.desired(host, params)
	if err != nil {
		return nil, err
	}
	version, err := optionalString(params, "version", "")
	if err != nil {
		return nil, err
	}

	installed, _, err := isPackageInstalled(ctx, manager, name)
	if err != nil {
		return nil, err
	}

	switch state {
	case "present":
		if installed {
			return &engine.Result{Changed: false, Detail: name + " already present"}, nil
		}
		if err := managerRun(ctx, manager, "install", packageSpec(manager, name, version)); err != nil {
			return nil, err
		}
		return &engine.Result{Changed: true, Detail: "installed " + name}, nil

	case "absent":
		if !installed {
			return &engine.Result{Changed: false, Detail: name + " already absent"}, nil
		}
		if err := managerRun(ctx, manager, "remove", name); err != nil {
			return nil, err
		}
		return &engine.Result{Changed: true, Detail: "removed " + name}, nil

	case "latest":
		if !installed {
			if err := managerRun(ctx, manager, "install", name); err != nil {
				return nil, err
			}
			return &engine.Result{Changed: true, Detail: "installed " + name}, nil
		}
		if err := managerRun(ctx, manager, "upgrade", name); err != nil {
			return nil, err
		}
		return &engine.Result{Changed: true, Detail: "upgraded " + name}, nil
	}
	return nil, fmt.Errorf("invalid state: %s", state)
}

func (m *PackageModule) desired(host *engine.HostState, params map[string]any) (name, state, manager string, err error) {
	name, err = stringParam(params, "name")
	if err != nil {
		return "", "", "", err
	}
	state, err = optionalString(params, "state", "present")
	if err != nil {
		return "", "", "", err
	}
	switch state {
	case "present", "absent", "latest":
	default:
		return "", "", "", fmt.Errorf("invalid state: %s", state)
	}
	manager, err = optionalString(params, "manager", "")
	if err != nil {
		return "", "", "", err
	}
	if manager == "" {
		if f, ok := host.Fact("pkg.manager").(string); ok {
			manager = f
		}
	}
	if manager == "" {
		manager, err = detectPackageManager()
		if err != nil {
			return "", "", "", err
		}
	}
	return name, state, manager, nil
}

func isPackageInstalled(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd *exec.Cmd
	switch manager {
	case "apt":
		cmd = exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	case "dnf", "yum", "zypper":
		cmd = exec.CommandContext(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	output, err := cmd.Output()
	if err != nil {
		// Query tools exit non-zero for unknown packages.
		return false, "", nil
	}
	return true, strings.TrimSpace(string(output)), nil
}

func hasUpgrade(ctx context.Context, manager, name string) (bool, error) {
	switch manager {
	case "apt":
		out, err := exec.CommandContext(ctx, "apt-get", "--simulate", "install", "--only-upgrade", name).Output()
		if err != nil {
			return false, fmt.Errorf("upgrade check failed: %w", err)
		}
		return strings.Contains(string(out), "Inst "+name), nil
	case "dnf", "yum":
		// check-update exits 100 when updates are available.
		err := exec.CommandContext(ctx, manager, "check-update", "-q", name).Run()
		if err == nil {
			return false, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 100 {
			return true, nil
		}
		return false, fmt.Errorf("upgrade check failed: %w", err)
	case "zypper":
		out, err := exec.CommandContext(ctx, "zypper", "--non-interactive", "list-updates").Output()
		if err != nil {
			return false, fmt.Errorf("upgrade check failed: %w", err)
		}
		return strings.Contains(string(out), name), nil
	}
	return false, fmt.Errorf("unsupported package manager: %s", manager)
}

func packageSpec(manager, name, version string) string {
	if version == "" {
		return name
	}
	switch manager {
	case "apt":
		return name + "=" + version
	default:
		return name + "-" + version
	}
}

func managerRun(ctx context.Context, manager, action, pkg string) error {
	verb := action
	if manager == "zypper" && action == "upgrade" {
		verb = "update"
	}
	cmd := exec.CommandContext(ctx, manager, verb, "-y", pkg)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", manager, verb, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func detectPackageManager() (string, error) {
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}
