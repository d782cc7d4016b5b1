package facts

import (
	"context"
	"errors"
	"testing"
)

type staticCollector struct {
	ns    string
	facts map[string]any
	err   error
}

func (c staticCollector) Namespace() string { return c.ns }
func (c staticCollector) Collect(context.Context) (map[string]any, error) {
	return c.facts, c.err
}

func TestGatherMergesNamespaces(t *testing.T) {
	g := NewGatherer(
		staticCollector{ns: "os", facts: map[string]any{"family": "debian"}},
		staticCollector{ns: "pkg", facts: map[string]any{"manager": "apt"}},
	)

	facts := g.Gather(context.Background())

	osNS, ok := facts["os"].(map[string]any)
	if !ok || osNS["family"] != "debian" {
		t.Errorf("os namespace = %v", facts["os"])
	}
	pkgNS, ok := facts["pkg"].(map[string]any)
	if !ok || pkgNS["manager"] != "apt" {
		t.Errorf("pkg namespace = %v", facts["pkg"])
	}
	if _, ok := facts["gathered_at"]; !ok {
		t.Error("gathered_at timestamp missing")
	}
}

func TestGatherContinuesPastFailingCollector(t *testing.T) {
	g := NewGatherer(
		staticCollector{ns: "broken", err: errors.New("no such file")},
		staticCollector{ns: "os", facts: map[string]any{"family": "rhel"}},
	)

	facts := g.Gather(context.Background())

	if _, ok := facts["broken"]; ok {
		t.Error("failed collector contributed facts")
	}
	if _, ok := facts["os"]; !ok {
		t.Error("healthy collector missing after sibling failure")
	}
}

func TestParseOSRelease(t *testing.T) {
	fields := parseOSRelease("ID=ubuntu\nID_LIKE=debian\nVERSION_ID=\"24.04\"\n# comment\n")
	if fields["ID"] != "ubuntu" || fields["VERSION_ID"] != "24.04" {
		t.Errorf("fields = %v", fields)
	}
	if osFamily(fields) != "debian" {
		t.Errorf("family = %s, want debian", osFamily(fields))
	}
}
