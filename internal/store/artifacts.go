package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

const artifactColumns = `id, session_id, agent_id, file_path, content, size, language, checksum, version, created_at`

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	var agentID, content, language sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &agentID, &a.FilePath, &content, &a.Size, &language,
		&a.Checksum, &a.Version, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.AgentID = agentID.String
	a.Content = content.String
	a.Language = language.String
	return &a, nil
}

// CleanPath normalizes a relative artifact path to forward slashes and
// rejects anything absolute or escaping its root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", fmt.Errorf("%w: %s is absolute", ErrInvalidPath, p)
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s escapes the output root", ErrInvalidPath, p)
		}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %s names no file", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// SaveArtifact records a capture of a.FilePath. Identical content to the
// latest version returns that version with created=false. Otherwise a new
// version is written; the first version of a path raises files_created on
// the session and on the capturing agent, and the path is attached to
// workPackageID when given. Captures are accepted for finished sessions so
// reconciliation can backfill.
func (s *Store) SaveArtifact(ctx context.Context, a models.Artifact, workPackageID string) (out *models.Artifact, created bool, err error) {
	cleaned, err := CleanPath(a.FilePath)
	if err != nil {
		return nil, false, err
	}
	a.FilePath = cleaned

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		latest, err := scanArtifact(tx.QueryRowContext(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE session_id = ? AND file_path = ? ORDER BY version DESC LIMIT 1`,
			a.SessionID, a.FilePath))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("query latest artifact: %w", err)
		}
		if latest != nil && latest.Checksum == a.Checksum {
			out = latest
			return nil
		}

		now := s.now()
		a.ID = uuid.New().String()
		a.Version = 1
		if latest != nil {
			a.Version = latest.Version + 1
		}
		a.CreatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (id, session_id, agent_id, file_path, content, size, language, checksum, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, nullString(a.AgentID), a.FilePath, nullString(a.Content), a.Size,
			nullString(a.Language), a.Checksum, a.Version, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s version %d", ErrDuplicate, a.FilePath, a.Version)
		}
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}

		if a.Version == 1 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET files_created = files_created + 1 WHERE id = ?`, a.SessionID); err != nil {
				return fmt.Errorf("update session files: %w", err)
			}
			if a.AgentID != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE agents SET files_created = files_created + 1 WHERE id = ?`, a.AgentID); err != nil {
					return fmt.Errorf("update agent files: %w", err)
				}
			}
		}

		if workPackageID != "" {
			if err := attachArtifact(ctx, tx, a.SessionID, workPackageID, a.FilePath); err != nil {
				return err
			}
		}

		out = &a
		created = true
		return s.touchSession(ctx, tx, a.SessionID, now)
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func attachArtifact(ctx context.Context, tx *sql.Tx, sessionID, wpID, filePath string) error {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT artifacts FROM work_packages WHERE session_id = ? AND id = ?`, sessionID, wpID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query work package artifacts: %w", err)
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return fmt.Errorf("decode artifacts: %w", err)
	}
	for _, p := range paths {
		if p == filePath {
			return nil
		}
	}
	paths = append(paths, filePath)
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_packages SET artifacts = ? WHERE session_id = ? AND id = ?`,
		encodeJSON(paths), sessionID, wpID); err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves one artifact version by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

// LatestArtifact returns the current version of a path.
func (s *Store) LatestArtifact(ctx context.Context, sessionID, filePath string) (*models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE session_id = ? AND file_path = ? ORDER BY version DESC LIMIT 1`,
		sessionID, filePath))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the current version of every path, ordered by path.
// With all set, superseded versions are included too.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string, all bool) ([]models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts a WHERE session_id = ?`
	if !all {
		query += ` AND version = (SELECT MAX(version) FROM artifacts b WHERE b.session_id = a.session_id AND b.file_path = a.file_path)`
	}
	query += ` ORDER BY file_path, version`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}
