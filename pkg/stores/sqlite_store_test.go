package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/convergo/convergo/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(id string, status engine.RunStatus) *engine.RunResult {
	res := &engine.RunResult{
		RunID:     id,
		Playbook:  "web baseline",
		StartedAt: time.Now().Add(-time.Second),
	}
	res.Record(engine.TaskReport{
		Node: "install nginx", Task: "install nginx", Module: "package",
		Outcome: engine.OutcomeChanged, Detail: "installed nginx",
		Duration: 200 * time.Millisecond,
	})
	res.Record(engine.TaskReport{
		Node: "restart nginx", Task: "restart nginx", Module: "service",
		Handler: true, Outcome: engine.OutcomeChanged,
		Duration: 100 * time.Millisecond,
	})
	res.Finalize()
	res.Status = status
	return res
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := sampleResult("run-1", engine.RunStatusChanged)
	facts := map[string]any{"os": map[string]any{"family": "debian"}}
	if err := s.SaveRun(ctx, res, facts); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.RunID != "run-1" || got.Playbook != "web baseline" {
		t.Errorf("run = %+v", got)
	}
	if len(got.Tasks) != 2 || !got.Tasks[1].Handler {
		t.Errorf("tasks round-trip = %+v", got.Tasks)
	}
	if got.Summary.Changed != 2 {
		t.Errorf("summary = %+v", got.Summary)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "ghost")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleResult("run-1", engine.RunStatusChanged)
	first.StartedAt = time.Now().Add(-2 * time.Hour)
	second := sampleResult("run-2", engine.RunStatusOK)
	second.StartedAt = time.Now().Add(-time.Hour)

	for _, r := range []*engine.RunResult{first, second} {
		if err := s.SaveRun(ctx, r, nil); err != nil {
			t.Fatalf("SaveRun(%s) error = %v", r.RunID, err)
		}
	}

	records, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].RunID != "run-2" || records[1].RunID != "run-1" {
		t.Errorf("order = %s, %s; want newest first", records[0].RunID, records[1].RunID)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}
