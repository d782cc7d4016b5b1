package modules

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/convergo/convergo/pkg/engine"
)

// FirewallModule converges ufw rules. Params: port (required), proto
// (tcp default), rule (allow default, or deny), state (present default,
// or absent). Probing parses `ufw status` output; rule comparison is
// textual on the "port/proto action" pair ufw prints.
type FirewallModule struct{}

type firewallDesired struct {
	port  string
	proto string
	rule  string
	state string
}

// Kind implements engine.Module.
func (m *FirewallModule) Kind() string { return "firewall" }

// Idempotent implements engine.Module.
func (m *FirewallModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *FirewallModule) Probe(ctx context.Context, _ *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	d, err := firewallParams(params)
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, "ufw", "status").Output()
	if err != nil {
		return nil, fmt.Errorf("ufw status failed: %w", err)
	}

	present := ruleListed(string(out), d)
	cs := &engine.CurrentState{
		Exists: present,
		State:  map[string]any{"present": present},
	}
	if d.state == "absent" {
		cs.Satisfied = !present
	} else {
		cs.Satisfied = present
	}
	if present {
		cs.Detail = fmt.Sprintf("rule %s %s/%s listed", d.rule, d.port, d.proto)
	} else {
		cs.Detail = fmt.Sprintf("rule %s %s/%s not listed", d.rule, d.port, d.proto)
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *FirewallModule) Apply(ctx context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	d, err := firewallParams(params)
	if err != nil {
		return nil, err
	}

	spec := fmt.Sprintf("%s/%s", d.port, d.proto)
	var args []string
	if d.state == "absent" {
		args = []string{"delete", d.rule, spec}
	} else {
		args = []string{d.rule, spec}
	}

	if out, err := exec.CommandContext(ctx, "ufw", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ufw %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	detail := fmt.Sprintf("%s %s", d.rule, spec)
	if d.state == "absent" {
		detail = "deleted " + detail
	}
	return &engine.Result{Changed: true, Detail: detail}, nil
}

// ruleListed scans `ufw status` output for a line covering the desired
// port/proto with the desired action.
func ruleListed(status string, d *firewallDesired) bool {
	spec := fmt.Sprintf("%s/%s", d.port, d.proto)
	action := strings.ToUpper(d.rule)
	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == spec && strings.EqualFold(fields[1], action) {
			return true
		}
	}
	return false
}

func firewallParams(params map[string]any) (*firewallDesired, error) {
	port, ok := params["port"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: port")
	}

	d := &firewallDesired{port: fmt.Sprintf("%v", port)}
	var err error
	if d.proto, err = optionalString(params, "proto", "tcp"); err != nil {
		return nil, err
	}
	if d.rule, err = optionalString(params, "rule", "allow"); err != nil {
		return nil, err
	}
	if d.rule != "allow" && d.rule != "deny" {
		return nil, fmt.Errorf("invalid rule: %s", d.rule)
	}
	if d.state, err = optionalString(params, "state", "present"); err != nil {
		return nil, err
	}
	if d.state != "present" && d.state != "absent" {
		return nil, fmt.Errorf("invalid state: %s", d.state)
	}
	return d, nil
}
