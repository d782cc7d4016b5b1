package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/convergo/convergo/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID has no history row.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the given database path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init implements Store. Opens the database in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Migrate implements Store.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun implements Store.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *engine.RunResult, facts map[string]any) error {
	report, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	summary, err := json.Marshal(result.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal facts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, playbook, status, cancelled, started_at, completed_at, duration_ms, summary, report, facts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.Playbook,
		string(result.Status),
		result.Cancelled,
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.CompletedAt.UTC().Format(time.RFC3339Nano),
		result.Duration.Milliseconds(),
		string(summary),
		string(report),
		string(factsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, tr := range result.Tasks {
		var errText string
		if tr.Error != nil {
			errText = tr.Error.Error()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_results (run_id, seq, node, task, module, handler, outcome, skip_reason, detail, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, i, tr.Node, tr.Task, tr.Module, tr.Handler,
			string(tr.Outcome), string(tr.SkipReason), tr.Detail, errText,
			tr.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert task result %s: %w", tr.Node, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, playbook, status, cancelled, started_at, duration_ms, summary
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			startedAt  string
			durationMS int64
			summary    string
		)
		if err := rows.Scan(&r.RunID, &r.Playbook, &r.Status, &r.Cancelled, &startedAt, &durationMS, &summary); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.RunResult, error) {
	var report string
	err := s.db.QueryRowContext(ctx,
		"SELECT report FROM runs WHERE id = ?", runID).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var result engine.RunResult
	if err := json.Unmarshal([]byte(report), &result); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &result, nil
}
