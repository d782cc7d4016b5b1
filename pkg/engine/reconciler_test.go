package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestHost(vars map[string]any) *HostState {
	if vars == nil {
		vars = map[string]any{}
	}
	return &HostState{
		Facts: map[string]any{"os": map[string]any{"family": "debian"}},
		Vars:  vars,
	}
}

func outcomes(res *RunResult) []Outcome {
	out := make([]Outcome, len(res.Tasks))
	for i, tr := range res.Tasks {
		out[i] = tr.Outcome
	}
	return out
}

func TestRunConvergesAndIsIdempotent(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{Name: "install nginx", Module: "package", Params: map[string]any{"name": "nginx"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)
	r := testReconciler(reg, Options{})

	res := r.Run(context.Background(), g, newTestHost(nil))
	if res.Status != RunStatusChanged {
		t.Fatalf("first run status = %s, want changed", res.Status)
	}
	if len(pkg.applies) != 1 {
		t.Fatalf("applies = %v, want one", pkg.applies)
	}

	res = r.Run(context.Background(), g, newTestHost(nil))
	if res.Status != RunStatusOK {
		t.Errorf("second run status = %s, want ok", res.Status)
	}
	if len(pkg.applies) != 1 {
		t.Errorf("second run re-applied: %v", pkg.applies)
	}
}

func TestRunApplyCompletesBeforeNextProbe(t *testing.T) {
	file := newFakeModule("file", true)
	reg := testRegistry(file)
	tasks := []Task{
		{Name: "first", Module: "file", Params: map[string]any{"name": "a"}},
		{Name: "second", Module: "file", Params: map[string]any{"name": "b"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	want := []string{"probe a", "apply a", "probe b", "apply b"}
	if len(file.events) != len(want) {
		t.Fatalf("events = %v, want %v", file.events, want)
	}
	for i := range want {
		if file.events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, file.events[i], want[i])
		}
	}
}

func TestRunNotifiesHandlersOnceInDeclarationOrder(t *testing.T) {
	file := newFakeModule("file", true)
	svc := newFakeModule("service", true)
	reg := testRegistry(file, svc)

	tasks := []Task{
		{Name: "site config", Module: "file", Params: map[string]any{"name": "site"}, Notify: []string{"restart nginx"}},
		{Name: "tls config", Module: "file", Params: map[string]any{"name": "tls"}, Notify: []string{"restart nginx"}},
	}
	handlers := []Task{
		{Name: "restart nginx", Module: "service", Params: map[string]any{"name": "nginx"}},
	}
	g := buildGraph(t, reg, tasks, handlers, nil)
	r := testReconciler(reg, Options{})

	res := r.Run(context.Background(), g, newTestHost(nil))

	if len(res.Tasks) != 3 {
		t.Fatalf("reports = %d, want 3 (two tasks plus one handler)", len(res.Tasks))
	}
	last := res.Tasks[2]
	if !last.Handler || last.Node != "restart nginx" {
		t.Fatalf("last report = %+v, want the handler", last)
	}
	if len(svc.applies) != 1 {
		t.Errorf("handler applied %d times, want once", len(svc.applies))
	}

	// Converged second run: no task changes, no handler dispatch.
	res = r.Run(context.Background(), g, newTestHost(nil))
	got := outcomes(res)
	if len(got) != 2 || got[0] != OutcomeOK || got[1] != OutcomeOK {
		t.Errorf("second run outcomes = %v, want [ok ok]", got)
	}
	if len(svc.applies) != 1 {
		t.Errorf("handler re-dispatched on converged run: %v", svc.applies)
	}
}

func TestRunHandlerNotifiesLaterHandler(t *testing.T) {
	file := newFakeModule("file", true)
	svc := newFakeModule("service", true)
	reg := testRegistry(file, svc)

	tasks := []Task{
		{Name: "cfg", Module: "file", Params: map[string]any{"name": "cfg"}, Notify: []string{"reload"}},
	}
	handlers := []Task{
		{Name: "reload", Module: "service", Params: map[string]any{"name": "app"}, Notify: []string{"verify"}},
		{Name: "verify", Module: "service", Params: map[string]any{"name": "probe"}},
	}
	g := buildGraph(t, reg, tasks, handlers, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	if len(res.Tasks) != 3 {
		t.Fatalf("reports = %d, want task plus both handlers", len(res.Tasks))
	}
	if res.Tasks[1].Node != "reload" || res.Tasks[2].Node != "verify" {
		t.Errorf("handler order = %s, %s", res.Tasks[1].Node, res.Tasks[2].Node)
	}
}

func TestRunGuardFalseSkipsWithoutProbe(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{Name: "a", Module: "package", Params: map[string]any{"name": "a"}, When: "false"},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	tr := res.Tasks[0]
	if tr.Outcome != OutcomeSkipped || tr.SkipReason != SkipGuardFalse {
		t.Errorf("outcome = %s/%s, want skipped/guard_false", tr.Outcome, tr.SkipReason)
	}
	if len(pkg.probes) != 0 {
		t.Errorf("probed despite false guard: %v", pkg.probes)
	}
	if res.Status != RunStatusOK {
		t.Errorf("status = %s, want ok", res.Status)
	}
}

func TestRunUndefinedGuardVariable(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{Name: "maybe upgrade", Module: "package", Params: map[string]any{"name": "a"}, When: "packageupgrade"},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))
	tr := res.Tasks[0]
	if tr.Outcome != OutcomeSkipped || tr.SkipReason != SkipGuardFalse {
		t.Errorf("non-strict outcome = %s/%s, want skipped/guard_false", tr.Outcome, tr.SkipReason)
	}

	res = testReconciler(reg, Options{Strict: true}).Run(context.Background(), g, newTestHost(nil))
	tr = res.Tasks[0]
	if tr.Outcome != OutcomeFailed {
		t.Fatalf("strict outcome = %s, want failed", tr.Outcome)
	}
	if tr.Error == nil || tr.Error.Code != ErrCodeUndefinedVariable {
		t.Errorf("strict error = %v, want UNDEFINED_VARIABLE", tr.Error)
	}
}

func TestRunDefinedGuardSelectsBoundVariable(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{Name: "a", Module: "package", Params: map[string]any{"name": "a"}, When: "defined(extra)"},
	}
	g := buildGraph(t, reg, tasks, nil, nil)
	r := testReconciler(reg, Options{})

	res := r.Run(context.Background(), g, newTestHost(nil))
	if res.Tasks[0].Outcome != OutcomeSkipped {
		t.Errorf("unbound run outcome = %s, want skipped", res.Tasks[0].Outcome)
	}

	res = r.Run(context.Background(), g, newTestHost(map[string]any{"extra": true}))
	if res.Tasks[0].Outcome != OutcomeChanged {
		t.Errorf("bound run outcome = %s, want changed", res.Tasks[0].Outcome)
	}
}

func TestRunFailureHaltsSubsequentTasks(t *testing.T) {
	pkg := newFakeModule("package", true)
	pkg.applyErr = errors.New("mirror unreachable")
	file := newFakeModule("file", true)
	reg := testRegistry(pkg, file)

	tasks := []Task{
		{Name: "install", Module: "package", Params: map[string]any{"name": "nginx"}},
		{Name: "configure", Module: "file", Params: map[string]any{"name": "cfg"}},
		{Name: "enable", Module: "file", Params: map[string]any{"name": "link"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	got := outcomes(res)
	want := []Outcome{OutcomeFailed, OutcomeSkipped, OutcomeSkipped}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, i := range []int{1, 2} {
		if res.Tasks[i].SkipReason != SkipDependencyFailed {
			t.Errorf("task %d skip reason = %s, want dependency_failed", i, res.Tasks[i].SkipReason)
		}
	}
	if len(file.probes) != 0 {
		t.Errorf("halted tasks were probed: %v", file.probes)
	}
	if res.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestRunRequiresSparesTasksFromUnrelatedFailure(t *testing.T) {
	pkg := newFakeModule("package", true)
	pkg.applyErr = errors.New("mirror unreachable")
	file := newFakeModule("file", true)
	reg := testRegistry(pkg, file)

	tasks := []Task{
		{Name: "baseline", Module: "file", Params: map[string]any{"name": "base"}},
		{Name: "install", Module: "package", Params: map[string]any{"name": "nginx"}},
		{Name: "configure", Module: "file", Params: map[string]any{"name": "cfg"}, Requires: []string{"install"}},
		{Name: "enable", Module: "file", Params: map[string]any{"name": "link"}, Requires: []string{"configure"}},
		{Name: "motd", Module: "file", Params: map[string]any{"name": "motd"}, Requires: []string{"baseline"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	got := outcomes(res)
	want := []Outcome{OutcomeChanged, OutcomeFailed, OutcomeSkipped, OutcomeSkipped, OutcomeChanged}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, i := range []int{2, 3} {
		if res.Tasks[i].SkipReason != SkipDependencyFailed {
			t.Errorf("task %d skip reason = %s, want dependency_failed", i, res.Tasks[i].SkipReason)
		}
	}
	if res.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestRunIgnoreErrorsUnblocksDependents(t *testing.T) {
	pkg := newFakeModule("package", true)
	pkg.applyErr = errors.New("transient")
	file := newFakeModule("file", true)
	reg := testRegistry(pkg, file)

	tasks := []Task{
		{Name: "best effort", Module: "package", Params: map[string]any{"name": "opt"}, IgnoreErrors: true},
		{Name: "always", Module: "file", Params: map[string]any{"name": "cfg"}, Requires: []string{"best effort"}},
		{Name: "after", Module: "file", Params: map[string]any{"name": "motd"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	if res.Tasks[0].Outcome != OutcomeFailed || !res.Tasks[0].Ignored {
		t.Errorf("outcome[0] = %s (ignored=%t), want ignored failure",
			res.Tasks[0].Outcome, res.Tasks[0].Ignored)
	}
	if res.Tasks[1].Outcome != OutcomeChanged {
		t.Errorf("outcome[1] = %s, want changed (ignore_errors unblocks)", res.Tasks[1].Outcome)
	}
	if res.Tasks[2].Outcome != OutcomeChanged {
		t.Errorf("outcome[2] = %s, want changed (ignored failure does not halt later tasks)", res.Tasks[2].Outcome)
	}
	if res.Status != RunStatusChanged {
		t.Errorf("status = %s, want changed (ignored failure does not fail the run)", res.Status)
	}
	if res.Summary.Ignored != 1 || res.Summary.Failed != 0 {
		t.Errorf("summary = %+v, want one ignored, zero failed", res.Summary)
	}
}

func TestRunNonIdempotentModuleAlwaysApplies(t *testing.T) {
	cmd := newFakeModule("command", false)
	reg := testRegistry(cmd)
	tasks := []Task{
		{Name: "touch marker", Module: "command", Params: map[string]any{"name": "touch"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)
	r := testReconciler(reg, Options{})

	for i := 0; i < 2; i++ {
		res := r.Run(context.Background(), g, newTestHost(nil))
		if res.Tasks[0].Outcome != OutcomeChanged {
			t.Errorf("run %d outcome = %s, want changed", i, res.Tasks[0].Outcome)
		}
	}
	if len(cmd.probes) != 0 {
		t.Errorf("non-idempotent module was probed: %v", cmd.probes)
	}
	if len(cmd.applies) != 2 {
		t.Errorf("applies = %d, want 2", len(cmd.applies))
	}
}

func TestRunWithItemsBindsItem(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{
			Name:      "install tools",
			Module:    "package",
			Params:    map[string]any{"name": "{{ item }}"},
			WithItems: []any{"git", "curl"},
		},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	if len(pkg.applies) != 2 || pkg.applies[0] != "git" || pkg.applies[1] != "curl" {
		t.Errorf("applies = %v, want [git curl]", pkg.applies)
	}
	if res.Summary.Changed != 2 {
		t.Errorf("changed = %d, want 2", res.Summary.Changed)
	}
}

func TestRunTagFilterSkipsWithoutExecution(t *testing.T) {
	pkg := newFakeModule("package", true)
	reg := testRegistry(pkg)
	tasks := []Task{
		{Name: "web", Module: "package", Params: map[string]any{"name": "nginx"}, Tags: []string{"web"}},
		{Name: "db", Module: "package", Params: map[string]any{"name": "postgres"}, Tags: []string{"db"}},
	}
	g := buildGraph(t, reg, tasks, []Task{}, []string{"web"})

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	if res.Tasks[1].Outcome != OutcomeSkipped || res.Tasks[1].SkipReason != SkipTagFiltered {
		t.Errorf("filtered task = %s/%s, want skipped/tag_filtered", res.Tasks[1].Outcome, res.Tasks[1].SkipReason)
	}
	if len(pkg.applies) != 1 || pkg.applies[0] != "nginx" {
		t.Errorf("applies = %v, want only nginx", pkg.applies)
	}
}

func TestRunDryRunReportsWithoutApplying(t *testing.T) {
	pkg := newFakeModule("package", true)
	svc := newFakeModule("service", true)
	reg := testRegistry(pkg, svc)
	tasks := []Task{
		{Name: "install", Module: "package", Params: map[string]any{"name": "nginx"}, Notify: []string{"restart"}},
	}
	handlers := []Task{{Name: "restart", Module: "service", Params: map[string]any{"name": "nginx"}}}
	g := buildGraph(t, reg, tasks, handlers, nil)

	res := testReconciler(reg, Options{DryRun: true}).Run(context.Background(), g, newTestHost(nil))

	if res.Tasks[0].Outcome != OutcomeChanged {
		t.Errorf("outcome = %s, want changed (would apply)", res.Tasks[0].Outcome)
	}
	if len(pkg.applies) != 0 || len(svc.applies) != 0 {
		t.Errorf("dry run applied: pkg=%v svc=%v", pkg.applies, svc.applies)
	}
	if len(res.Tasks) != 2 || !res.Tasks[1].Handler {
		t.Errorf("dry run should still report the notified handler, got %d reports", len(res.Tasks))
	}
}

func TestRunTimeoutClassified(t *testing.T) {
	slow := newFakeModule("command", false)
	slow.applyDelay = 200 * time.Millisecond
	reg := testRegistry(slow)
	tasks := []Task{
		{Name: "slow", Module: "command", Params: map[string]any{"name": "x"}, Timeout: 20 * time.Millisecond},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))

	tr := res.Tasks[0]
	if tr.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", tr.Outcome)
	}
	if tr.Error == nil || !IsTimeoutError(tr.Error) {
		t.Errorf("error = %v, want timeout classification", tr.Error)
	}
}

func TestRunCancellationFinishesInFlightAndSkipsRest(t *testing.T) {
	slow := newFakeModule("command", false)
	slow.applyDelay = 50 * time.Millisecond
	pkg := newFakeModule("package", true)
	reg := testRegistry(slow, pkg)

	tasks := []Task{
		{Name: "long job", Module: "command", Params: map[string]any{"name": "job"}},
		{Name: "after", Module: "package", Params: map[string]any{"name": "nginx"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := testReconciler(reg, Options{}).Run(ctx, g, newTestHost(nil))

	if res.Tasks[0].Outcome != OutcomeChanged {
		t.Errorf("in-flight task outcome = %s, want changed (runs to completion)", res.Tasks[0].Outcome)
	}
	if res.Tasks[1].Outcome != OutcomeSkipped || res.Tasks[1].SkipReason != SkipCancelled {
		t.Errorf("pending task = %s/%s, want skipped/cancelled", res.Tasks[1].Outcome, res.Tasks[1].SkipReason)
	}
	if !res.Cancelled {
		t.Error("result not marked cancelled")
	}
	if len(pkg.applies) != 0 {
		t.Errorf("pending task applied after cancel: %v", pkg.applies)
	}
}

func TestRunRendersParamsFromVars(t *testing.T) {
	file := newFakeModule("file", true)
	reg := testRegistry(file)
	tasks := []Task{
		{Name: "write", Module: "file", Params: map[string]any{"name": "{{ target }}"}},
	}
	g := buildGraph(t, reg, tasks, nil, nil)

	res := testReconciler(reg, Options{}).Run(context.Background(), g,
		newTestHost(map[string]any{"target": "/etc/motd"}))

	if len(file.applies) != 1 || file.applies[0] != "/etc/motd" {
		t.Errorf("applies = %v, want rendered target", file.applies)
	}

	res = testReconciler(reg, Options{}).Run(context.Background(), g, newTestHost(nil))
	tr := res.Tasks[0]
	if tr.Outcome != OutcomeFailed || tr.Error == nil || tr.Error.Code != ErrCodeTemplate {
		t.Errorf("missing var render = %s (%v), want failed TEMPLATE_ERROR", tr.Outcome, tr.Error)
	}
}

func TestFinalizeStatusPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		reports []TaskReport
		want    RunStatus
	}{
		{"all ok", []TaskReport{{Outcome: OutcomeOK}, {Outcome: OutcomeSkipped}}, RunStatusOK},
		{"changed wins over ok", []TaskReport{{Outcome: OutcomeOK}, {Outcome: OutcomeChanged}}, RunStatusChanged},
		{"failed wins over changed", []TaskReport{{Outcome: OutcomeChanged}, {Outcome: OutcomeFailed}}, RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &RunResult{StartedAt: time.Now()}
			for _, tr := range tt.reports {
				res.Record(tr)
			}
			res.Finalize()
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
		})
	}
}
