package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
)

// AppendEvent persists one event. The event's sequence must be exactly one
// past the session's current maximum, and nothing may follow the session's
// SESSION_COMPLETE event.
func (s *Store) AppendEvent(ctx context.Context, event *models.AgentEvent) error {
	if event.Payload == nil {
		return fmt.Errorf("event %s has no payload", event.Type)
	}
	if event.Payload.EventType() != event.Type {
		return fmt.Errorf("event type %s does not match payload %s", event.Type, event.Payload.EventType())
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var max int64
		var closed int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0), COALESCE(SUM(type = ?), 0) FROM events WHERE session_id = ?`,
			models.EventSessionComplete, event.SessionID).Scan(&max, &closed)
		if err != nil {
			return fmt.Errorf("query max sequence: %w", err)
		}
		if closed > 0 {
			return ErrSessionClosed
		}
		if event.Sequence != max+1 {
			return fmt.Errorf("%w: got %d, want %d", ErrSequenceConflict, event.Sequence, max+1)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, session_id, agent_id, type, timestamp, sequence, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.SessionID, nullString(event.AgentID), event.Type, event.Timestamp, event.Sequence, string(payload))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sequence %d", ErrSequenceConflict, event.Sequence)
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return s.touchSession(ctx, tx, event.SessionID, s.now())
	})
}

// MaxSequence returns the highest persisted sequence for a session, or 0.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max, nil
}

// ListEvents returns events with sequence > after in ascending order. A limit
// of zero or less returns everything.
func (s *Store) ListEvents(ctx context.Context, sessionID string, after int64, limit int) ([]models.AgentEvent, error) {
	query := `SELECT id, session_id, agent_id, type, timestamp, sequence, payload
		FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence`
	args := []interface{}{sessionID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.AgentEvent
	for rows.Next() {
		var event models.AgentEvent
		var agentID sql.NullString
		var payload string
		if err := rows.Scan(&event.ID, &event.SessionID, &agentID, &event.Type, &event.Timestamp,
			&event.Sequence, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.AgentID = agentID.String
		event.Timestamp = event.Timestamp.UTC()
		event.Payload, err = models.DecodePayload(event.Type, json.RawMessage(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
