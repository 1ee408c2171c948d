package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
)

const workPackageColumns = `session_id, id, ordinal, title, description, agent_hint, assigned_agent_id, status,
	priority, dependencies, estimated_sec, actual_sec, artifacts, started_at, completed_at, created_at`

func scanWorkPackage(row rowScanner) (*models.WorkPackage, error) {
	var wp models.WorkPackage
	var desc, hint, assigned sql.NullString
	var deps, artifacts string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&wp.SessionID, &wp.ID, &wp.Ordinal, &wp.Title, &desc, &hint, &assigned, &wp.Status,
		&wp.Priority, &deps, &wp.EstimatedSec, &wp.ActualSec, &artifacts, &startedAt, &completedAt, &wp.CreatedAt)
	if err != nil {
		return nil, err
	}
	wp.Description = desc.String
	wp.AgentHint = hint.String
	wp.AssignedAgentID = assigned.String
	wp.StartedAt = nullTimePtr(startedAt)
	wp.CompletedAt = nullTimePtr(completedAt)
	if err := json.Unmarshal([]byte(deps), &wp.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &wp.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if wp.Dependencies == nil {
		wp.Dependencies = []string{}
	}
	if wp.Artifacts == nil {
		wp.Artifacts = []string{}
	}
	return &wp, nil
}

func listWorkPackages(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}, sessionID string) ([]models.WorkPackage, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+workPackageColumns+` FROM work_packages WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query work packages: %w", err)
	}
	defer rows.Close()

	var packages []models.WorkPackage
	for rows.Next() {
		wp, err := scanWorkPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work package: %w", err)
		}
		packages = append(packages, *wp)
	}
	return packages, rows.Err()
}

// ListWorkPackages returns a session's packages in creation order.
func (s *Store) ListWorkPackages(ctx context.Context, sessionID string) ([]models.WorkPackage, error) {
	return listWorkPackages(ctx, s.db, sessionID)
}

// GetWorkPackage retrieves one package of a session.
func (s *Store) GetWorkPackage(ctx context.Context, sessionID, id string) (*models.WorkPackage, error) {
	wp, err := scanWorkPackage(s.db.QueryRowContext(ctx,
		`SELECT `+workPackageColumns+` FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query work package: %w", err)
	}
	return wp, nil
}

// CreateWorkPackages inserts packages as pending and raises the session's
// work_packages_total. Graph validation is the caller's job; an id already
// present in the session fails the whole batch with ErrDuplicate.
func (s *Store) CreateWorkPackages(ctx context.Context, sessionID string, packages []models.WorkPackage) ([]models.WorkPackage, error) {
	created := make([]models.WorkPackage, 0, len(packages))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mutableSession(ctx, tx, sessionID); err != nil {
			return err
		}
		var base int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM work_packages WHERE session_id = ?`, sessionID).Scan(&base); err != nil {
			return fmt.Errorf("count work packages: %w", err)
		}

		now := s.now()
		for i, wp := range packages {
			wp.SessionID = sessionID
			wp.Status = models.WorkPackagePending
			wp.Ordinal = base + i
			wp.AssignedAgentID = ""
			wp.ActualSec = 0
			wp.StartedAt = nil
			wp.CompletedAt = nil
			wp.CreatedAt = now
			if wp.Dependencies == nil {
				wp.Dependencies = []string{}
			}
			wp.Artifacts = []string{}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO work_packages (session_id, id, ordinal, title, description, agent_hint, status, priority,
				 dependencies, estimated_sec, artifacts, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, wp.ID, wp.Ordinal, wp.Title, nullString(wp.Description), nullString(wp.AgentHint),
				wp.Status, wp.Priority, encodeJSON(wp.Dependencies), wp.EstimatedSec, encodeJSON(wp.Artifacts), now,
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: work package %s", ErrDuplicate, wp.ID)
			}
			if err != nil {
				return fmt.Errorf("insert work package %s: %w", wp.ID, err)
			}
			created = append(created, wp)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET wp_total = wp_total + ? WHERE id = ?`, len(packages), sessionID); err != nil {
			return fmt.Errorf("update work package total: %w", err)
		}
		return s.touchSession(ctx, tx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Release pairs a package with the agent that will carry it.
type Release struct {
	WorkPackageID string
	AgentID       string
}

// ReleaseWorkPackages hands a snapshot of the session's packages to pick and
// moves the selected packages to in_progress in the same transaction. Each
// selection is re-checked: it must still be pending and every dependency must
// be completed, otherwise the whole release fails.
func (s *Store) ReleaseWorkPackages(ctx context.Context, sessionID string, pick func([]models.WorkPackage) []Release) ([]models.WorkPackage, error) {
	var released []models.WorkPackage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mutableSession(ctx, tx, sessionID); err != nil {
			return err
		}
		packages, err := listWorkPackages(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		selected := pick(packages)
		if len(selected) == 0 {
			return nil
		}

		byID := make(map[string]*models.WorkPackage, len(packages))
		for i := range packages {
			byID[packages[i].ID] = &packages[i]
		}

		now := s.now()
		for _, rel := range selected {
			wp, ok := byID[rel.WorkPackageID]
			if !ok {
				return fmt.Errorf("%w: work package %s", ErrNotFound, rel.WorkPackageID)
			}
			if wp.Status != models.WorkPackagePending {
				return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, wp.ID, wp.Status)
			}
			for _, dep := range wp.Dependencies {
				if d, ok := byID[dep]; !ok || d.Status != models.WorkPackageCompleted {
					return fmt.Errorf("%w: %s waits on %s", ErrDependencyIncomplete, wp.ID, dep)
				}
			}

			_, err := tx.ExecContext(ctx,
				`UPDATE work_packages SET status = ?, assigned_agent_id = ?, started_at = ? WHERE session_id = ? AND id = ?`,
				models.WorkPackageInProgress, nullString(rel.AgentID), now, sessionID, wp.ID)
			if err != nil {
				return fmt.Errorf("release work package %s: %w", wp.ID, err)
			}
			if rel.AgentID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE agents SET work_package_id = ? WHERE id = ? AND session_id = ?`,
					wp.ID, rel.AgentID, sessionID); err != nil {
					return fmt.Errorf("assign agent: %w", err)
				}
			}

			wp.Status = models.WorkPackageInProgress
			wp.AssignedAgentID = rel.AgentID
			started := now
			wp.StartedAt = &started
			released = append(released, *wp)
		}
		return s.touchSession(ctx, tx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// FinishWorkPackage moves a package into completed or failed. Reporting the
// status a package already has is a no-op and returns changed=false. A
// pending package can only complete once its dependencies have.
func (s *Store) FinishWorkPackage(ctx context.Context, sessionID, id string, status models.WorkPackageStatus) (wp *models.WorkPackage, changed bool, err error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: work package status %s is not terminal", ErrInvalidTransition, status)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mutableSession(ctx, tx, sessionID); err != nil {
			return err
		}
		current, err := scanWorkPackage(tx.QueryRowContext(ctx,
			`SELECT `+workPackageColumns+` FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, id))
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: work package %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("query work package: %w", err)
		}
		if current.Status == status {
			wp = current
			return nil
		}
		if !models.CanTransitionWorkPackage(current.Status, status) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, current.Status, status)
		}
		if status == models.WorkPackageCompleted && current.Status == models.WorkPackagePending {
			if err := depsCompleted(ctx, tx, sessionID, current); err != nil {
				return err
			}
		}

		now := s.now()
		var actual float64
		if current.StartedAt != nil {
			actual = now.Sub(*current.StartedAt).Seconds()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_packages SET status = ?, actual_sec = ?, completed_at = ? WHERE session_id = ? AND id = ?`,
			status, actual, now, sessionID, id); err != nil {
			return fmt.Errorf("finish work package: %w", err)
		}
		if status == models.WorkPackageCompleted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET wp_completed = wp_completed + 1 WHERE id = ?`, sessionID); err != nil {
				return fmt.Errorf("update completed count: %w", err)
			}
		}

		current.Status = status
		current.ActualSec = actual
		current.CompletedAt = &now
		wp = current
		changed = true
		return s.touchSession(ctx, tx, sessionID, now)
	})
	if err != nil {
		return nil, false, err
	}
	return wp, changed, nil
}

func depsCompleted(ctx context.Context, tx *sql.Tx, sessionID string, wp *models.WorkPackage) error {
	for _, dep := range wp.Dependencies {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, dep).Scan(&status)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("query dependency %s: %w", dep, err)
		}
		if status != string(models.WorkPackageCompleted) {
			return fmt.Errorf("%w: %s waits on %s", ErrDependencyIncomplete, wp.ID, dep)
		}
	}
	return nil
}

// RetryWorkPackage resets a failed package to pending so the scheduler can
// release it again.
func (s *Store) RetryWorkPackage(ctx context.Context, sessionID, id string) (*models.WorkPackage, error) {
	var wp *models.WorkPackage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := mutableSession(ctx, tx, sessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE work_packages SET status = ?, assigned_agent_id = NULL, actual_sec = 0, started_at = NULL, completed_at = NULL
			 WHERE session_id = ? AND id = ? AND status = ?`,
			models.WorkPackagePending, sessionID, id, models.WorkPackageFailed)
		if err != nil {
			return fmt.Errorf("retry work package: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, id).Scan(&status)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: work package %s", ErrNotFound, id)
			}
			return fmt.Errorf("%w: %s is %s, only failed packages can be retried", ErrInvalidTransition, id, status)
		}

		wp, err = scanWorkPackage(tx.QueryRowContext(ctx,
			`SELECT `+workPackageColumns+` FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, id))
		if err != nil {
			return fmt.Errorf("reload work package: %w", err)
		}
		return s.touchSession(ctx, tx, sessionID, s.now())
	})
	if err != nil {
		return nil, err
	}
	return wp, nil
}
