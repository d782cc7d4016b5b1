package facts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// osCollector reads /etc/os-release for distribution identity.
type osCollector struct{}

func (osCollector) Namespace() string { return "os" }

func (osCollector) Collect(_ context.Context) (map[string]any, error) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return nil, fmt.Errorf("read os-release: %w", err)
	}
	fields := parseOSRelease(string(data))

	out := map[string]any{
		"id":      fields["ID"],
		"name":    fields["NAME"],
		"version": fields["VERSION_ID"],
		"family":  osFamily(fields),
	}
	return out, nil
}

// parseOSRelease parses KEY=value lines, stripping quotes.
func parseOSRelease(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"'`)
	}
	return fields
}

// osFamily maps a distribution to its family (debian, rhel, suse, arch).
func osFamily(fields map[string]string) string {
	candidates := append([]string{fields["ID"]},
		strings.Fields(fields["ID_LIKE"])...)
	for _, id := range candidates {
		switch id {
		case "debian", "ubuntu":
			return "debian"
		case "rhel", "fedora", "centos", "rocky", "almalinux":
			return "rhel"
		case "suse", "opensuse", "sles":
			return "suse"
		case "arch":
			return "arch"
		}
	}
	return fields["ID"]
}

// platformCollector reports kernel and machine identity.
type platformCollector struct{}

func (platformCollector) Namespace() string { return "platform" }

func (platformCollector) Collect(_ context.Context) (map[string]any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	out := map[string]any{
		"hostname": hostname,
		"system":   runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		out["kernel"] = strings.TrimSpace(string(data))
	}
	return out, nil
}

// pkgCollector detects the native package manager.
type pkgCollector struct{}

func (pkgCollector) Namespace() string { return "pkg" }

func (pkgCollector) Collect(_ context.Context) (map[string]any, error) {
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := exec.LookPath(mgr); err == nil {
			return map[string]any{"manager": mgr}, nil
		}
	}
	return nil, fmt.Errorf("no supported package manager found")
}

// mountsCollector lists mounted filesystems from /proc/mounts.
type mountsCollector struct{}

func (mountsCollector) Namespace() string { return "mounts" }

func (mountsCollector) Collect(_ context.Context) (map[string]any, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("read /proc/mounts: %w", err)
	}

	points := make(map[string]any)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		points[fields[1]] = map[string]any{
			"device": fields[0],
			"fstype": fields[2],
		}
	}
	return points, nil
}

// usersCollector lists local users from /etc/passwd.
type usersCollector struct{}

func (usersCollector) Namespace() string { return "users" }

func (usersCollector) Collect(_ context.Context) (map[string]any, error) {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return nil, fmt.Errorf("read /etc/passwd: %w", err)
	}

	users := make(map[string]any)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		users[fields[0]] = map[string]any{
			"uid":   fields[2],
			"gid":   fields[3],
			"home":  fields[5],
			"shell": fields[6],
		}
	}
	return users, nil
}
