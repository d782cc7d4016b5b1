package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/convergo/convergo/pkg/engine"

// DefaultTaskTimeout bounds a probe/apply call when the task declares none.
const DefaultTaskTimeout = 5 * time.Minute

// RunMetrics receives execution metrics from the reconciler. Implemented
// by the telemetry package; nil disables recording.
type RunMetrics interface {
	RecordRunStarted()
	RecordRunCompleted(status string, duration time.Duration)
	RecordTaskOutcome(module, outcome string, duration time.Duration)
	RecordModuleError(module, phase string)
}

// Options configures a Reconciler.
type Options struct {
	// DefaultTimeout bounds probe/apply calls for tasks without their own
	// timeout. Zero means DefaultTaskTimeout.
	DefaultTimeout time.Duration

	// Strict promotes unresolved guard/template references from per-task
	// skip/failure to configuration errors.
	Strict bool

	// DryRun probes and reports what would change without applying.
	DryRun bool

	// Metrics receives run and task metrics. Optional.
	Metrics RunMetrics
}

// Reconciler walks an execution graph sequentially, converging each node
// toward its desired state via the module registry and dispatching notified
// handlers after the main phase. It owns its run result exclusively; a
// fleet layer runs one Reconciler per host with no shared state.
type Reconciler struct {
	registry *Registry
	guards   GuardEvaluator
	renderer ParamRenderer
	opts     Options
	tracer   trace.Tracer
}

// NewReconciler creates a reconciler.
func NewReconciler(registry *Registry, guards GuardEvaluator, renderer ParamRenderer, opts Options) *Reconciler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTaskTimeout
	}
	return &Reconciler{
		registry: registry,
		guards:   guards,
		renderer: renderer,
		opts:     opts,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run executes the graph against the host and returns a complete RunResult.
// Per-task errors are recorded, never returned: the only contract is that
// the result covers every node. Cancelling ctx stops launching new nodes;
// the in-flight probe/apply finishes under its own timeout and the
// remaining nodes are reported skipped (cancelled).
func (r *Reconciler) Run(ctx context.Context, g *Graph, host *HostState) *RunResult {
	res := &RunResult{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}

	ctx, runSpan := r.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(attribute.String("run.id", res.RunID)))
	defer runSpan.End()

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordRunStarted()
	}

	log.Info().
		Str("run_id", res.RunID).
		Int("tasks", len(g.Order)).
		Int("handlers", len(g.HandlerOrder)).
		Bool("dry_run", r.opts.DryRun).
		Msg("Run started")

	reports := make(map[string]TaskReport, len(g.Nodes))
	pending := make(map[string]bool)

	record := func(tr TaskReport) {
		reports[tr.Node] = tr
		res.Record(tr)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordTaskOutcome(tr.Module, string(tr.Outcome), tr.Duration)
		}
	}

	// Main phase: strict declaration order. A later task's probe never
	// starts before an earlier task's apply has completed. A failure
	// halts every task declared after it; tasks carrying an explicit
	// requires list depend only on the tasks they name and are spared
	// the halt when those succeeded.
	halted := ""
	for _, id := range g.Order {
		node := g.Nodes[id]

		if ctx.Err() != nil {
			res.Cancelled = true
			record(skipReport(node, SkipCancelled))
			continue
		}
		if node.Filtered {
			record(skipReport(node, SkipTagFiltered))
			continue
		}
		if len(node.Requires) > 0 {
			if blocked, cause := r.dependencyBlocked(node, g, reports); blocked {
				tr := skipReport(node, SkipDependencyFailed)
				tr.Detail = fmt.Sprintf("required task failed: %s", cause)
				record(tr)
				continue
			}
		} else if halted != "" {
			tr := skipReport(node, SkipDependencyFailed)
			tr.Detail = fmt.Sprintf("earlier task failed: %s", halted)
			record(tr)
			continue
		}

		tr := r.executeNode(ctx, node, host)
		if tr.Outcome == OutcomeFailed && node.Task.IgnoreErrors {
			tr.Ignored = true
		}
		record(tr)
		if tr.Outcome == OutcomeFailed && !tr.Ignored && halted == "" {
			halted = node.ID
		}
		if tr.Outcome == OutcomeChanged {
			for _, h := range node.Notifies {
				pending[h] = true
			}
		}
	}

	// Handler phase: declaration order, at most once each, regardless of
	// how many tasks notified. A handler that changes may notify handlers
	// declared after it; earlier handlers have already been dispatched.
	for _, id := range g.HandlerOrder {
		node := g.Nodes[id]
		if !pending[id] {
			continue
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			tr := skipReport(node, SkipCancelled)
			tr.Handler = true
			record(tr)
			continue
		}
		tr := r.executeNode(ctx, node, host)
		tr.Handler = true
		record(tr)
		if tr.Outcome == OutcomeChanged {
			for _, h := range node.Notifies {
				pending[h] = true
			}
		}
	}

	res.Finalize()
	if res.Cancelled {
		runSpan.SetStatus(codes.Error, "run cancelled")
	} else if res.Status == RunStatusFailed {
		runSpan.SetStatus(codes.Error, "run failed")
	} else {
		runSpan.SetStatus(codes.Ok, "")
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordRunCompleted(string(res.Status), res.Duration)
	}

	log.Info().
		Str("run_id", res.RunID).
		Str("status", string(res.Status)).
		Int("changed", res.Summary.Changed).
		Int("failed", res.Summary.Failed).
		Int("skipped", res.Summary.Skipped).
		Dur("duration", res.Duration).
		Msg("Run completed")

	return res
}

// dependencyBlocked reports whether any required ancestor failed without
// ignore_errors, or was itself skipped because of an ancestor failure.
// Skip reasons propagate, which makes the rule transitive without walking
// the graph again.
func (r *Reconciler) dependencyBlocked(node *Node, g *Graph, reports map[string]TaskReport) (bool, string) {
	for _, dep := range node.Requires {
		tr, ok := reports[dep]
		if !ok {
			continue
		}
		depNode := g.Nodes[dep]
		if tr.Outcome == OutcomeFailed && !depNode.Task.IgnoreErrors {
			return true, dep
		}
		if tr.Outcome == OutcomeSkipped &&
			(tr.SkipReason == SkipDependencyFailed || tr.SkipReason == SkipCancelled) {
			return true, dep
		}
	}
	return false, ""
}

// executeNode runs the guard, probe, and apply for one node.
func (r *Reconciler) executeNode(ctx context.Context, node *Node, host *HostState) TaskReport {
	start := time.Now()
	tr := TaskReport{
		Node:   node.ID,
		Task:   node.Task.Name,
		Module: node.Task.Module,
	}

	ctx, span := r.tracer.Start(ctx, "task.reconcile",
		trace.WithAttributes(
			attribute.String("task.node", node.ID),
			attribute.String("task.module", node.Task.Module),
		))
	defer span.End()

	env := guardEnv(host, node)

	if node.Task.When != "" {
		ok, err := r.guards.Eval(ctx, node.Task.When, env)
		if err != nil {
			tr.Duration = time.Since(start)
			if isUndefinedVariable(err) && !r.opts.Strict {
				// Guards referencing unbound names skip rather than fail;
				// "x is defined" style probing is the documented pattern.
				tr.Outcome = OutcomeSkipped
				tr.SkipReason = SkipGuardFalse
				tr.Detail = "guard references undefined variable"
				return tr
			}
			tr.Outcome = OutcomeFailed
			tr.Error = asEngineError(err, ErrorKindConfig).WithTask(node.Task.Name)
			span.SetStatus(codes.Error, tr.Error.Message)
			return tr
		}
		if !ok {
			tr.Duration = time.Since(start)
			tr.Outcome = OutcomeSkipped
			tr.SkipReason = SkipGuardFalse
			return tr
		}
	}

	params, err := r.renderer.Render(node.Task.Params, env)
	if err != nil {
		tr.Duration = time.Since(start)
		tr.Outcome = OutcomeFailed
		tr.Error = NewProbeError("parameter rendering failed", err).
			WithCode(ErrCodeTemplate).WithTask(node.Task.Name).WithModule(node.Task.Module)
		span.SetStatus(codes.Error, tr.Error.Message)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordModuleError(node.Task.Module, "render")
		}
		return tr
	}

	module, ok := r.registry.Get(node.Task.Module)
	if !ok {
		// Build-time validation makes this unreachable; kept as a guard
		// against registries mutated between build and run.
		tr.Duration = time.Since(start)
		tr.Outcome = OutcomeFailed
		tr.Error = NewConfigError("module vanished from registry", nil).
			WithCode(ErrCodeUnknownModule).WithTask(node.Task.Name).WithModule(node.Task.Module)
		return tr
	}

	outcome, detail, execErr := r.converge(ctx, node, module, host, params)
	tr.Duration = time.Since(start)
	tr.Outcome = outcome
	tr.Detail = detail
	if execErr != nil {
		tr.Error = asEngineError(execErr, ErrorKindApply).
			WithTask(node.Task.Name).WithModule(node.Task.Module)
		span.SetStatus(codes.Error, tr.Error.Message)
	}
	return tr
}

// converge implements the probe-then-apply idempotence contract. The
// execution context is detached from the run's cancel signal so an
// in-flight apply is never killed mid-mutation; only the per-task timeout
// bounds it.
func (r *Reconciler) converge(ctx context.Context, node *Node, module Module, host *HostState, params map[string]any) (Outcome, string, error) {
	timeout := node.Task.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if module.Idempotent() {
		current, err := module.Probe(execCtx, host, params)
		if err != nil {
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordModuleError(module.Kind(), "probe")
			}
			return OutcomeFailed, "", classifyPhaseError(execCtx, "probe", err)
		}
		if current.Satisfied {
			return OutcomeOK, current.Detail, nil
		}
		if r.opts.DryRun {
			detail := current.Detail
			if detail == "" {
				detail = "would apply"
			} else {
				detail = "would apply: " + detail
			}
			return OutcomeChanged, detail, nil
		}
	} else if r.opts.DryRun {
		return OutcomeChanged, "would apply (non-idempotent module)", nil
	}

	result, err := module.Apply(execCtx, host, params)
	if err != nil {
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordModuleError(module.Kind(), "apply")
		}
		return OutcomeFailed, "", classifyPhaseError(execCtx, "apply", err)
	}
	if !result.Changed {
		return OutcomeOK, result.Detail, nil
	}
	return OutcomeChanged, result.Detail, nil
}

// classifyPhaseError wraps a module error into the engine taxonomy,
// mapping context deadline exhaustion to TimeoutError.
func classifyPhaseError(ctx context.Context, phase string, err error) *EngineError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(fmt.Sprintf("%s timed out", phase), err)
	}
	if phase == "probe" {
		return NewProbeError("probe failed", err)
	}
	return NewApplyError("apply failed", err)
}

// guardEnv builds the evaluation environment: run variables at top level,
// the fact set under "facts", and the bound item under "item".
func guardEnv(host *HostState, node *Node) map[string]any {
	env := make(map[string]any, len(host.Vars)+2)
	for k, v := range host.Vars {
		env[k] = v
	}
	env["facts"] = host.Facts
	if node.HasItem {
		env["item"] = node.Item
	}
	return env
}

func skipReport(node *Node, reason SkipReason) TaskReport {
	return TaskReport{
		Node:       node.ID,
		Task:       node.Task.Name,
		Module:     node.Task.Module,
		Outcome:    OutcomeSkipped,
		SkipReason: reason,
	}
}

func isUndefinedVariable(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeUndefinedVariable
}

func asEngineError(err error, fallback ErrorKind) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return &EngineError{Kind: fallback, Message: "execution failed", Err: err}
}
