package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

// AgentSpec describes one roster entry created alongside a session.
type AgentSpec struct {
	Name string
	Role string
	Type models.AgentType
}

// CreateSessionParams holds the inputs for CreateSession.
type CreateSessionParams struct {
	Prompt     string
	Options    models.SessionOptions
	OutputRoot string
	Roster     []AgentSpec
}

const sessionColumns = `id, prompt, status, include_tests, include_docs, output_dir, duration_sec,
	files_created, wp_total, wp_completed, metrics, error, created_at, updated_at`

// CreateSession inserts a pending session and its agent roster atomically.
// The session's output directory is <OutputRoot>/<session id>.
func (s *Store) CreateSession(ctx context.Context, p CreateSessionParams) (*models.Session, []models.Agent, error) {
	now := s.now()
	id := uuid.New().String()
	session := &models.Session{
		ID:        id,
		Prompt:    p.Prompt,
		Status:    models.SessionStatusPending,
		Options:   p.Options,
		OutputDir: filepath.Join(p.OutputRoot, id),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, prompt, status, include_tests, include_docs, output_dir, metrics, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Prompt, session.Status, session.Options.IncludeTests, session.Options.IncludeDocs,
		session.OutputDir, encodeJSON(session.Metrics), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert session: %w", err)
	}

	agents := make([]models.Agent, 0, len(p.Roster))
	for i, spec := range p.Roster {
		agent := models.Agent{
			ID:        uuid.New().String(),
			SessionID: id,
			Name:      spec.Name,
			Role:      spec.Role,
			Type:      spec.Type,
			Status:    models.AgentStatusIdle,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, session_id, ordinal, name, role, type, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.SessionID, i, agent.Name, agent.Role, agent.Type, agent.Status,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert agent %s: %w", spec.Name, err)
		}
		agents = append(agents, agent)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return session, agents, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var metrics, errMsg sql.NullString
	err := row.Scan(&session.ID, &session.Prompt, &session.Status, &session.Options.IncludeTests,
		&session.Options.IncludeDocs, &session.OutputDir, &session.DurationSec, &session.FilesCreated,
		&session.WorkPackagesTotal, &session.WorkPackagesCompleted, &metrics, &errMsg,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &session.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	session.Error = errMsg.String
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// ListActiveSessions returns every session that has not reached a terminal
// status.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	all, err := s.ListSessions(ctx, "")
	if err != nil {
		return nil, err
	}
	var active []models.Session
	for _, session := range all {
		if !session.Status.IsTerminal() {
			active = append(active, session)
		}
	}
	return active, nil
}

// UpdateSessionStatus moves a non-terminal session to a new non-terminal
// status. Use FinalizeSession for terminal statuses.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to models.SessionStatus) (*models.Session, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("%w: use FinalizeSession for %s", ErrInvalidTransition, to)
	}
	return s.transitionSession(ctx, id, to, func(tx *sql.Tx) error { return nil })
}

// FinalizeParams carries the fields written when a session ends.
type FinalizeParams struct {
	Status      models.SessionStatus
	DurationSec float64
	Metrics     models.SessionMetrics
	Reason      string
}

// FinalizeSession moves a session into a terminal status and records its
// duration and metrics. It returns ErrSessionTerminal if the session already
// finished.
func (s *Store) FinalizeSession(ctx context.Context, id string, p FinalizeParams) (*models.Session, error) {
	if !p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, p.Status)
	}
	return s.transitionSession(ctx, id, p.Status, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET duration_sec = ?, metrics = ?, error = ? WHERE id = ?`,
			p.DurationSec, encodeJSON(p.Metrics), nullString(p.Reason), id,
		)
		return err
	})
}

func (s *Store) transitionSession(ctx context.Context, id string, to models.SessionStatus, extra func(tx *sql.Tx) error) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var from models.SessionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session status: %w", err)
	}
	if from.IsTerminal() {
		return nil, ErrSessionTerminal
	}
	if !models.CanTransitionSession(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, to, now, id); err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	if err := extra(tx); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return session, nil
}
