package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// RunStatus is the aggregate status of a run.
type RunStatus string

const (
	// RunStatusOK means every executed node was already converged.
	RunStatusOK RunStatus = "ok"

	// RunStatusChanged means at least one node mutated the host and none failed.
	RunStatusChanged RunStatus = "changed"

	// RunStatusFailed means at least one task or handler failed.
	RunStatusFailed RunStatus = "failed"
)

// TaskReport is the recorded outcome of one node.
type TaskReport struct {
	// Node is the node ID (task name, or "name[i]" for item instances).
	Node string `json:"node"`

	// Task is the source task name.
	Task string `json:"task"`

	// Module is the module kind.
	Module string `json:"module"`

	// Handler marks deferred handler executions.
	Handler bool `json:"handler,omitempty"`

	// Outcome is the terminal state.
	Outcome Outcome `json:"outcome"`

	// SkipReason is set when Outcome is skipped.
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Detail is a human-readable description of what happened.
	Detail string `json:"detail,omitempty"`

	// Error is the classified error for failed outcomes.
	Error *EngineError `json:"error,omitempty"`

	// Ignored marks failures declared with ignore_errors; they do not
	// fail the run and do not block dependents.
	Ignored bool `json:"ignored,omitempty"`

	// Duration is the wall time spent probing and applying.
	Duration time.Duration `json:"duration"`
}

// RunSummary counts outcomes across a run.
type RunSummary struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Ignored int `json:"ignored,omitempty"`
}

// RunResult is the complete, ordered record of one reconciliation run.
// The engine always returns a complete RunResult; per-task errors never
// escape it.
type RunResult struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Playbook is the playbook name, when known.
	Playbook string `json:"playbook,omitempty"`

	// Status is the aggregate status: failed > changed > ok.
	Status RunStatus `json:"status"`

	// Cancelled is true when the run was aborted by an operator signal.
	Cancelled bool `json:"cancelled,omitempty"`

	// Tasks lists per-node outcomes in execution order (handlers last).
	Tasks []TaskReport `json:"tasks"`

	// Summary aggregates outcome counts.
	Summary RunSummary `json:"summary"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`
}

// Record appends a task report and updates the summary.
func (r *RunResult) Record(tr TaskReport) {
	r.Tasks = append(r.Tasks, tr)
	r.Summary.Total++
	switch tr.Outcome {
	case OutcomeOK:
		r.Summary.OK++
	case OutcomeChanged:
		r.Summary.Changed++
	case OutcomeFailed:
		if tr.Ignored {
			r.Summary.Ignored++
		} else {
			r.Summary.Failed++
		}
	case OutcomeSkipped:
		r.Summary.Skipped++
	}
}

// Finalize computes the aggregate status and timing.
func (r *RunResult) Finalize() {
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	switch {
	case r.Summary.Failed > 0:
		r.Status = RunStatusFailed
	case r.Summary.Changed > 0:
		r.Status = RunStatusChanged
	default:
		r.Status = RunStatusOK
	}
}

// Changed reports whether any node mutated the host.
func (r *RunResult) Changed() bool {
	return r.Summary.Changed > 0
}

// WriteJSON writes the result as indented JSON.
func (r *RunResult) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a console-friendly report.
func (r *RunResult) WriteText(w io.Writer) {
	for _, tr := range r.Tasks {
		marker := string(tr.Outcome)
		if tr.Ignored {
			marker += " (ignored)"
		}
		if tr.Handler {
			marker += " (handler)"
		}
		detail := tr.Detail
		if tr.Outcome == OutcomeSkipped && tr.SkipReason != "" {
			detail = string(tr.SkipReason)
		}
		if tr.Error != nil {
			detail = tr.Error.Error()
		}
		if detail != "" {
			fmt.Fprintf(w, "%-10s %-40s %s\n", marker, tr.Node, detail)
		} else {
			fmt.Fprintf(w, "%-10s %s\n", marker, tr.Node)
		}
	}
	fmt.Fprintf(w, "\n%s: ok=%d changed=%d failed=%d skipped=%d ignored=%d (%.2fs)\n",
		r.Status, r.Summary.OK, r.Summary.Changed, r.Summary.Failed, r.Summary.Skipped,
		r.Summary.Ignored, r.Duration.Seconds())
	if r.Cancelled {
		fmt.Fprintln(w, "run was cancelled; unexecuted tasks reported skipped")
	}
}
