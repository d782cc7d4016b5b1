package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is one declarative unit of desired state. Tasks are immutable once
// loaded; the graph builder owns expansion and validation.
type Task struct {
	// Name uniquely identifies the task within a playbook.
	Name string `json:"name"`

	// Module is the module kind that reconciles this task (e.g. "package").
	Module string `json:"module"`

	// Params are the module-specific desired-state parameters. String
	// values may contain {{ name }} references resolved against the run's
	// variable binding (and the per-item "item" value).
	Params map[string]any `json:"params,omitempty"`

	// When is an optional guard expression over facts and variables.
	// The task is skipped when it evaluates false.
	When string `json:"when,omitempty"`

	// WithItems expands the task into one node per item, preserving
	// relative order. Each node sees its item as the "item" variable.
	WithItems []any `json:"with_items,omitempty"`

	// Notify lists handler names to trigger when this task reports changed.
	Notify []string `json:"notify,omitempty"`

	// Requires lists names of earlier tasks this task depends on. A failed
	// requirement skips this task (and its own dependents) transitively.
	Requires []string `json:"requires,omitempty"`

	// Tags select the task when a tags filter is supplied to the run.
	Tags []string `json:"tags,omitempty"`

	// IgnoreErrors keeps dependents running when this task fails.
	IgnoreErrors bool `json:"ignore_errors,omitempty"`

	// Timeout bounds each probe/apply call. Zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HasTag reports whether the task carries any of the given tags.
func (t Task) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range t.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Outcome is the terminal state of one task node in a run.
type Outcome string

const (
	// OutcomeOK means current state already satisfied the desired state.
	OutcomeOK Outcome = "ok"

	// OutcomeChanged means an apply was performed and mutated the host.
	OutcomeChanged Outcome = "changed"

	// OutcomeFailed means probe or apply failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped means the node did not execute (guard false, ancestor
	// failure, tag filter, or cancellation).
	OutcomeSkipped Outcome = "skipped"
)

// Validate reports whether the outcome is a valid terminal state.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeOK, OutcomeChanged, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Outcome(s)
	return o.Validate()
}

// SkipReason explains why a node was skipped.
type SkipReason string

const (
	// SkipGuardFalse means the when guard evaluated false.
	SkipGuardFalse SkipReason = "guard_false"

	// SkipDependencyFailed means a required ancestor failed.
	SkipDependencyFailed SkipReason = "dependency_failed"

	// SkipCancelled means the run was aborted before the node started.
	SkipCancelled SkipReason = "cancelled"

	// SkipTagFiltered means the node was excluded by the tags filter.
	SkipTagFiltered SkipReason = "tag_filtered"

	// SkipNotNotified means a handler was never notified.
	SkipNotNotified SkipReason = "not_notified"
)

// HostState is the read-only view of the target host a module sees during
// probe and apply: the per-run fact set plus the run's variable binding.
type HostState struct {
	// Facts is the immutable fact set gathered at run start.
	Facts map[string]any

	// Vars is the variable binding supplied to the run.
	Vars map[string]any
}

// Fact returns a fact by dotted path (e.g. "os.family"), or nil.
func (h *HostState) Fact(path string) any {
	return lookupPath(h.Facts, path)
}

func lookupPath(m map[string]any, path string) any {
	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			start = i + 1
			mm, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur, ok = mm[key]
			if !ok {
				return nil
			}
		}
	}
	return cur
}
