package engine

import (
	"fmt"
	"strings"
)

// EdgeType classifies an edge in the execution graph.
type EdgeType string

const (
	// EdgeOrder sequences two nodes in declaration order. Failure of the
	// source halts the target unless the target names its own requires.
	// Declaration order is materialized as explicit order edges so a
	// future parallel executor has real data to reason about.
	EdgeOrder EdgeType = "order"

	// EdgeRequire is a hard dependency: the target depends only on the
	// tasks it names, sparing it the declaration-order halt; failure of
	// the source skips the target and its require-dependents transitively.
	EdgeRequire EdgeType = "require"

	// EdgeNotify is a soft edge from a task to a handler it notifies.
	EdgeNotify EdgeType = "notify"
)

// NodeKind distinguishes main-phase tasks from deferred handlers.
type NodeKind string

const (
	// NodeTask is an ordinary main-phase task node.
	NodeTask NodeKind = "task"

	// NodeHandler is a deferred handler node, executed only via dispatch.
	NodeHandler NodeKind = "handler"
)

// Node is one executable unit in the graph: a task (possibly one instance
// of a with_items expansion) or a handler.
type Node struct {
	// ID uniquely identifies the node ("name" or "name[i]" for items).
	ID string `json:"id"`

	// Kind is task or handler.
	Kind NodeKind `json:"kind"`

	// Task is the source task record.
	Task Task `json:"task"`

	// Item is the bound with_items value, when HasItem is true.
	Item any `json:"item,omitempty"`

	// HasItem marks nodes produced by with_items expansion.
	HasItem bool `json:"has_item,omitempty"`

	// Requires lists node IDs this node hard-depends on.
	Requires []string `json:"requires,omitempty"`

	// Notifies lists handler node IDs this node notifies on change.
	Notifies []string `json:"notifies,omitempty"`

	// Filtered marks nodes excluded by the tags filter.
	Filtered bool `json:"filtered,omitempty"`
}

// Edge is one dependency edge in the graph.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Graph is the validated, acyclic execution graph: an ordered list of task
// nodes plus handler nodes reachable only through notify edges.
type Graph struct {
	// Nodes maps node IDs to nodes.
	Nodes map[string]*Node `json:"nodes"`

	// Order is the task node execution order (declaration order, items
	// expanded in place).
	Order []string `json:"order"`

	// HandlerOrder is the handler node order (declaration order), which
	// is also their dispatch order.
	HandlerOrder []string `json:"handler_order"`

	// Edges lists all edges for introspection and visualization.
	Edges []Edge `json:"edges"`
}

// GraphBuilder validates a task list and handler list against the module
// registry and expands them into an execution graph. All validation errors
// are ConfigErrors: the run never starts on a malformed graph.
type GraphBuilder struct {
	registry *Registry
	guards   GuardEvaluator
	renderer ParamRenderer
}

// NewGraphBuilder creates a graph builder.
func NewGraphBuilder(registry *Registry, guards GuardEvaluator, renderer ParamRenderer) *GraphBuilder {
	return &GraphBuilder{registry: registry, guards: guards, renderer: renderer}
}

// Build constructs the execution graph from an ordered task list and a
// handler list. tagsFilter, when non-empty, marks non-matching task nodes
// filtered; they are reported skipped without probing.
func (b *GraphBuilder) Build(tasks []Task, handlers []Task, tagsFilter []string) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*Node),
		Edges: make([]Edge, 0),
	}

	handlerByName := make(map[string]*Node, len(handlers))
	for i := range handlers {
		h := handlers[i]
		if err := b.validateRecord(h, "handler"); err != nil {
			return nil, err
		}
		if _, dup := handlerByName[h.Name]; dup {
			return nil, NewConfigError(fmt.Sprintf("duplicate handler name: %s", h.Name), nil).
				WithCode(ErrCodeDuplicateTask).WithTask(h.Name)
		}
		if len(h.WithItems) > 0 {
			return nil, NewConfigError("handlers cannot use with_items", nil).
				WithCode(ErrCodeValidation).WithTask(h.Name)
		}
		node := &Node{ID: h.Name, Kind: NodeHandler, Task: h}
		handlerByName[h.Name] = node
		g.Nodes[node.ID] = node
		g.HandlerOrder = append(g.HandlerOrder, node.ID)
	}

	// Handlers may notify later handlers; resolve and reject cycles.
	for _, id := range g.HandlerOrder {
		node := g.Nodes[id]
		for _, target := range node.Task.Notify {
			tn, ok := handlerByName[target]
			if !ok {
				return nil, NewConfigError(fmt.Sprintf("notify target has no matching handler: %s", target), nil).
					WithCode(ErrCodeMissingHandler).WithTask(node.Task.Name)
			}
			node.Notifies = append(node.Notifies, tn.ID)
			g.Edges = append(g.Edges, Edge{From: node.ID, To: tn.ID, Type: EdgeNotify})
		}
	}
	if cycle := detectNotifyCycle(g, handlerByName); len(cycle) > 0 {
		return nil, NewConfigError(
			fmt.Sprintf("cyclic notify between handlers: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeCyclicNotify)
	}

	nodesByTask := make(map[string][]*Node, len(tasks))
	seen := make(map[string]bool, len(tasks))
	var prev *Node

	for i := range tasks {
		t := tasks[i]
		if err := b.validateRecord(t, "task"); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, NewConfigError(fmt.Sprintf("duplicate task name: %s", t.Name), nil).
				WithCode(ErrCodeDuplicateTask).WithTask(t.Name)
		}
		if _, clash := handlerByName[t.Name]; clash {
			return nil, NewConfigError(fmt.Sprintf("task name collides with handler: %s", t.Name), nil).
				WithCode(ErrCodeDuplicateTask).WithTask(t.Name)
		}
		seen[t.Name] = true

		var requires []string
		for _, req := range t.Requires {
			deps, ok := nodesByTask[req]
			if !ok {
				return nil, NewConfigError(
					fmt.Sprintf("task %s requires undeclared or later task: %s", t.Name, req), nil).
					WithCode(ErrCodeUnknownRequire).WithTask(t.Name)
			}
			for _, dep := range deps {
				requires = append(requires, dep.ID)
			}
		}

		var notifies []string
		for _, target := range t.Notify {
			hn, ok := handlerByName[target]
			if !ok {
				return nil, NewConfigError(fmt.Sprintf("notify target has no matching handler: %s", target), nil).
					WithCode(ErrCodeMissingHandler).WithTask(t.Name)
			}
			notifies = append(notifies, hn.ID)
		}

		filtered := len(tagsFilter) > 0 && !t.HasTag(tagsFilter)

		expand := func(id string, item any, hasItem bool) {
			node := &Node{
				ID:       id,
				Kind:     NodeTask,
				Task:     t,
				Item:     item,
				HasItem:  hasItem,
				Requires: requires,
				Notifies: notifies,
				Filtered: filtered,
			}
			g.Nodes[node.ID] = node
			g.Order = append(g.Order, node.ID)
			nodesByTask[t.Name] = append(nodesByTask[t.Name], node)

			if prev != nil {
				g.Edges = append(g.Edges, Edge{From: prev.ID, To: node.ID, Type: EdgeOrder})
			}
			for _, dep := range requires {
				g.Edges = append(g.Edges, Edge{From: dep, To: node.ID, Type: EdgeRequire})
			}
			for _, h := range notifies {
				g.Edges = append(g.Edges, Edge{From: node.ID, To: h, Type: EdgeNotify})
			}
			prev = node
		}

		if len(t.WithItems) > 0 {
			for j, item := range t.WithItems {
				expand(fmt.Sprintf("%s[%d]", t.Name, j), item, true)
			}
		} else {
			expand(t.Name, nil, false)
		}
	}

	return g, nil
}

// validateRecord checks the static properties of one task or handler
// record: the module kind must be registered, the guard must parse, and
// all string parameters must be valid templates.
func (b *GraphBuilder) validateRecord(t Task, role string) error {
	if t.Name == "" {
		return NewConfigError(fmt.Sprintf("%s has empty name", role), nil).
			WithCode(ErrCodeValidation)
	}
	if _, ok := b.registry.Get(t.Module); !ok {
		return NewConfigError(fmt.Sprintf("unregistered module kind: %s", t.Module), nil).
			WithCode(ErrCodeUnknownModule).WithTask(t.Name).WithModule(t.Module)
	}
	if t.When != "" && b.guards != nil {
		if err := b.guards.Validate(t.When); err != nil {
			return NewConfigError("invalid guard expression", err).
				WithCode(ErrCodeGuardSyntax).WithTask(t.Name)
		}
	}
	if b.renderer != nil {
		if err := validateParams(b.renderer, t.Params); err != nil {
			return NewConfigError("invalid parameter template", err).
				WithCode(ErrCodeTemplate).WithTask(t.Name)
		}
	}
	return nil
}

func validateParams(r ParamRenderer, params map[string]any) error {
	for _, v := range params {
		if err := validateParamValue(r, v); err != nil {
			return err
		}
	}
	return nil
}

func validateParamValue(r ParamRenderer, v any) error {
	switch val := v.(type) {
	case string:
		return r.Validate(val)
	case []any:
		for _, item := range val {
			if err := validateParamValue(r, item); err != nil {
				return err
			}
		}
	case map[string]any:
		return validateParams(r, val)
	}
	return nil
}

// detectNotifyCycle runs DFS over handler notify edges and returns the
// first cycle found, or nil.
func detectNotifyCycle(g *Graph, handlers map[string]*Node) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(handlers))

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, next := range g.Nodes[id].Notifies {
			switch color[next] {
			case gray:
				for i, p := range path {
					if p == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.HandlerOrder {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format for visualization.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph ExecutionGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	for _, id := range g.Order {
		node := g.Nodes[id]
		sb.WriteString(fmt.Sprintf("  %q [label=%q];\n", id, id+"\\n"+node.Task.Module))
	}
	for _, id := range g.HandlerOrder {
		node := g.Nodes[id]
		sb.WriteString(fmt.Sprintf("  %q [label=%q, style=\"rounded,dashed\"];\n", id, id+"\\n"+node.Task.Module))
	}
	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e.Type)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeStyle(t EdgeType) string {
	switch t {
	case EdgeRequire:
		return "style=solid, color=black"
	case EdgeNotify:
		return "style=dashed, color=blue"
	case EdgeOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
