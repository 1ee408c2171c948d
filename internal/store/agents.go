package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
)

const agentColumns = `id, session_id, name, role, type, status, progress, current_step, work_package_id,
	files_created, started_at, completion_time_sec`

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var step, wpID sql.NullString
	var startedAt sql.NullTime
	err := row.Scan(&agent.ID, &agent.SessionID, &agent.Name, &agent.Role, &agent.Type, &agent.Status,
		&agent.Progress, &step, &wpID, &agent.FilesCreated, &startedAt, &agent.CompletionTimeSec)
	if err != nil {
		return nil, err
	}
	agent.CurrentStep = step.String
	agent.WorkPackageID = wpID.String
	agent.StartedAt = nullTimePtr(startedAt)
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns a session's roster in creation order.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// mutateAgent loads the agent, checks its session is still mutable, applies
// update inside the transaction and returns the reloaded agent.
func (s *Store) mutateAgent(ctx context.Context, agentID string, update func(tx *sql.Tx, agent *models.Agent) error) (*models.Agent, error) {
	var out *models.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		agent, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query agent: %w", err)
		}
		if err := mutableSession(ctx, tx, agent.SessionID); err != nil {
			return err
		}
		if err := update(tx, agent); err != nil {
			return err
		}
		if err := s.touchSession(ctx, tx, agent.SessionID, s.now()); err != nil {
			return err
		}
		out, err = scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
		if err != nil {
			return fmt.Errorf("reload agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartAgent marks an agent running on step. An agent that was not already
// running restarts its progress and clock, so one agent can carry several
// tasks over a session.
func (s *Store) StartAgent(ctx context.Context, agentID, step string) (*models.Agent, error) {
	return s.mutateAgent(ctx, agentID, func(tx *sql.Tx, agent *models.Agent) error {
		var err error
		if agent.Status == models.AgentStatusRunning {
			_, err = tx.ExecContext(ctx, `UPDATE agents SET current_step = ? WHERE id = ?`, step, agentID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, current_step = ?, progress = 0, started_at = ?, completion_time_sec = 0
				 WHERE id = ?`,
				models.AgentStatusRunning, step, s.now(), agentID)
		}
		if err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		return nil
	})
}

// UpdateAgentProgress raises an agent's progress to percent. Progress never
// moves backwards; an idle agent becomes running. Progress reported for a
// finished agent is ignored.
func (s *Store) UpdateAgentProgress(ctx context.Context, agentID string, percent int) (*models.Agent, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return s.mutateAgent(ctx, agentID, func(tx *sql.Tx, agent *models.Agent) error {
		var err error
		switch agent.Status {
		case models.AgentStatusIdle:
			_, err = tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, progress = ?, started_at = ? WHERE id = ?`,
				models.AgentStatusRunning, percent, s.now(), agentID)
		case models.AgentStatusRunning:
			_, err = tx.ExecContext(ctx, `UPDATE agents SET progress = MAX(progress, ?) WHERE id = ?`, percent, agentID)
		}
		if err != nil {
			return fmt.Errorf("update agent progress: %w", err)
		}
		return nil
	})
}

// FinishAgent moves an agent into succeeded or failed. Success pins progress
// at 100. Completion time is measured from started_at when known.
func (s *Store) FinishAgent(ctx context.Context, agentID string, status models.AgentStatus) (*models.Agent, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: agent status %s is not terminal", ErrInvalidTransition, status)
	}
	return s.mutateAgent(ctx, agentID, func(tx *sql.Tx, agent *models.Agent) error {
		var elapsed float64
		now := s.now()
		if agent.StartedAt != nil {
			elapsed = now.Sub(*agent.StartedAt).Seconds()
		} else {
			agent.StartedAt = &now
		}
		progress := agent.Progress
		if status == models.AgentStatusSucceeded {
			progress = 100
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ?, progress = ?, completion_time_sec = ?, started_at = ? WHERE id = ?`,
			status, progress, elapsed, *agent.StartedAt, agentID)
		if err != nil {
			return fmt.Errorf("finish agent: %w", err)
		}
		return nil
	})
}
