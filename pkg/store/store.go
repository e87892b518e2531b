// Package store persists executions, reviews, and the append-only activity
// log. The database is the sole synchronization point: every check-then-act
// sequence (duplicate review suppression, terminal-status guard, expiry vs.
// decision races) is expressed as a conditional update inside a single
// transaction, never as an application-level check followed by a write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTerminalExecution is returned when a write would move a terminal
	// execution backward.
	ErrTerminalExecution = errors.New("store: execution is terminal")
	// ErrReviewNotPending is returned when a decision targets a review that
	// has already been resolved or expired.
	ErrReviewNotPending = errors.New("store: review is not pending")
)

// Store wraps the coordinator database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the sqlite database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing database handle and runs migrations. Used directly
// by tests that inject their own handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for backends layered on the same database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS workflows (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'available',
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS executions (
		id                   TEXT PRIMARY KEY,
		engine_execution_id  TEXT NOT NULL UNIQUE,
		workflow_id          TEXT NOT NULL DEFAULT '',
		worker_id            TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		current_step_index   INTEGER NOT NULL DEFAULT 0,
		current_step_name    TEXT NOT NULL DEFAULT '',
		started_at           DATETIME NOT NULL,
		completed_at         DATETIME,
		output_data          TEXT,
		error                TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS reviews (
		id                   TEXT PRIMARY KEY,
		engine_execution_id  TEXT NOT NULL,
		step_id              TEXT NOT NULL DEFAULT '',
		step_label           TEXT NOT NULL DEFAULT '',
		worker_name          TEXT NOT NULL DEFAULT '',
		review_type          TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'pending',
		payload              TEXT,
		feedback             TEXT NOT NULL DEFAULT '',
		edited_payload       TEXT,
		reviewer_id          TEXT NOT NULL DEFAULT '',
		decided_at           DATETIME,
		resume_url           TEXT NOT NULL DEFAULT '',
		callback_url         TEXT NOT NULL DEFAULT '',
		chat_history         TEXT,
		created_at           DATETIME NOT NULL,
		expires_at           DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_exec_step ON reviews(engine_execution_id, step_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_status ON reviews(status, expires_at);

	CREATE TABLE IF NOT EXISTS activity_log (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		entry_type   TEXT NOT NULL,
		execution_id TEXT NOT NULL DEFAULT '',
		workflow_id  TEXT NOT NULL DEFAULT '',
		step_id      TEXT NOT NULL DEFAULT '',
		worker_id    TEXT NOT NULL DEFAULT '',
		message      TEXT NOT NULL DEFAULT '',
		payload      TEXT,
		payload_hash TEXT NOT NULL DEFAULT '',
		prev_hash    TEXT NOT NULL DEFAULT '',
		entry_hash   TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_execution ON activity_log(execution_id);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// UpsertWorkflow records a workflow's display name. Progress reports mirror
// workflow ids automatically; names are not on the engine wire, so the
// surrounding application sets them through this call.
func (s *Store) UpsertWorkflow(ctx context.Context, id, name string) error {
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		id, name)
	return err
}

// UpsertWorker records a worker reference. Progress and completion reports
// maintain these rows; this call covers out-of-band registration.
func (s *Store) UpsertWorker(ctx context.Context, id, name, status string) error {
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, status, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE workers.name END,
		                               status = excluded.status,
		                               updated_at = CURRENT_TIMESTAMP`,
		id, name, status)
	return err
}

// WorkerStatus returns a worker's availability status.
func (s *Store) WorkerStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workers WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}
