// Package facts gathers read-only host facts at run start: OS identity,
// kernel, hostname, package manager, mounts, and local users. Facts feed
// guard expressions and template references; modules never mutate them.
package facts

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector produces one namespace of facts. Collectors must be
// side-effect free and tolerate partial failure.
type Collector interface {
	// Namespace is the top-level fact key this collector owns.
	Namespace() string

	// Collect gathers the namespace's facts.
	Collect(ctx context.Context) (map[string]any, error)
}

// Gatherer runs a set of collectors and merges their output into one
// fact set. A failing collector logs a warning and contributes nothing;
// fact gathering never aborts a run.
type Gatherer struct {
	collectors []Collector
}

// NewGatherer creates a gatherer. With no collectors given, the default
// local set is used.
func NewGatherer(collectors ...Collector) *Gatherer {
	if len(collectors) == 0 {
		collectors = DefaultCollectors()
	}
	return &Gatherer{collectors: collectors}
}

// DefaultCollectors returns the built-in local collector set.
func DefaultCollectors() []Collector {
	return []Collector{
		&osCollector{},
		&platformCollector{},
		&pkgCollector{},
		&mountsCollector{},
		&usersCollector{},
	}
}

// Gather runs every collector and returns the merged fact set, keyed by
// collector namespace, plus a gathered_at timestamp.
func (g *Gatherer) Gather(ctx context.Context) map[string]any {
	facts := map[string]any{
		"gathered_at": time.Now().UTC().Format(time.RFC3339),
	}

	for _, c := range g.collectors {
		ns, err := c.Collect(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("namespace", c.Namespace()).
				Msg("Fact collector failed, continuing without it")
			continue
		}
		facts[c.Namespace()] = ns
	}
	return facts
}

// Namespaces returns the sorted namespaces this gatherer covers.
func (g *Gatherer) Namespaces() []string {
	out := make([]string, 0, len(g.collectors))
	for _, c := range g.collectors {
		out = append(out, c.Namespace())
	}
	sort.Strings(out)
	return out
}
