// Package stores persists run history: every reconciliation run, its
// per-node outcomes, and the fact snapshot it ran against. The default
// backend is SQLite.
package stores

import (
	"context"
	"time"

	"github.com/convergo/convergo/pkg/engine"
)

// RunRecord is a summary row from run history.
type RunRecord struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Playbook is the playbook name.
	Playbook string `json:"playbook"`

	// Status is the aggregate run status.
	Status string `json:"status"`

	// Cancelled is true for operator-aborted runs.
	Cancelled bool `json:"cancelled"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary aggregates outcome counts.
	Summary engine.RunSummary `json:"summary"`
}

// Store is the run history backend.
type Store interface {
	// Init opens the backend.
	Init(ctx context.Context) error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// Close releases the backend.
	Close() error

	// SaveRun persists a completed run with its fact snapshot.
	SaveRun(ctx context.Context, result *engine.RunResult, facts map[string]any) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// GetRun returns the full report for one run.
	GetRun(ctx context.Context, runID string) (*engine.RunResult, error)
}
