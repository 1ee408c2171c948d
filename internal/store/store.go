// Package store provides SQLite-backed persistence for Conductor.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by mutations that target a missing record.
	// Reads return (nil, nil) instead.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSessionTerminal indicates a mutation of a finished session.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrSessionClosed indicates an event appended after SESSION_COMPLETE.
	ErrSessionClosed = errors.New("session event log is closed")
	// ErrSequenceConflict indicates an event whose sequence is not max+1.
	ErrSequenceConflict = errors.New("event sequence conflict")
	// ErrInvalidPath indicates an artifact path that escapes the output root.
	ErrInvalidPath = errors.New("invalid artifact path")
	// ErrDuplicate indicates a unique key collision.
	ErrDuplicate = errors.New("duplicate record")
	// ErrDependencyIncomplete indicates a package released before its
	// dependencies completed.
	ErrDependencyIncomplete = errors.New("work package dependencies incomplete")
)

// Store provides access to the Conductor SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// A single connection serializes every writer, which is what keeps
	// concurrent field updates on one record from losing each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		include_tests INTEGER NOT NULL DEFAULT 0,
		include_docs INTEGER NOT NULL DEFAULT 0,
		output_dir TEXT NOT NULL,
		duration_sec REAL NOT NULL DEFAULT 0,
		files_created INTEGER NOT NULL DEFAULT 0,
		wp_total INTEGER NOT NULL DEFAULT 0,
		wp_completed INTEGER NOT NULL DEFAULT 0,
		metrics TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		work_package_id TEXT,
		files_created INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		completion_time_sec REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS work_packages (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		ordinal INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		description TEXT,
		agent_hint TEXT,
		assigned_agent_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		dependencies TEXT NOT NULL DEFAULT '[]',
		estimated_sec REAL NOT NULL DEFAULT 0,
		actual_sec REAL NOT NULL DEFAULT 0,
		artifacts TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id TEXT,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		sequence INTEGER NOT NULL,
		payload TEXT NOT NULL,
		UNIQUE (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id TEXT,
		file_path TEXT NOT NULL,
		content TEXT,
		size INTEGER NOT NULL,
		language TEXT,
		checksum TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, file_path, version),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		session_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_agents_session_id ON agents(session_id);
	CREATE INDEX IF NOT EXISTS idx_work_packages_status ON work_packages(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(session_id, type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_path ON artifacts(session_id, file_path);
	CREATE INDEX IF NOT EXISTS idx_pdr_session_id ON pdr(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// touchSession bumps the parent session's updated_at inside tx.
func (s *Store) touchSession(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// mutableSession fails with ErrSessionTerminal when the session has finished.
func mutableSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query session status: %w", err)
	}
	switch status {
	case "completed", "failed", "stopped":
		return ErrSessionTerminal
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY"))
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
