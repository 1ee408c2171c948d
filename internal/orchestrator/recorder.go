// Package orchestrator applies translated worker output to session state and
// records the resulting events.
package orchestrator

import (
	"context"
	"time"

	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/sequencer"
	"github.com/fentz26/conductor/internal/store"
	"github.com/google/uuid"
)

// Recorder sequences, persists and publishes events. Every event goes
// through one Recorder so that a session's sequence has no gaps and live
// subscribers see events in sequence order.
type Recorder struct {
	store *store.Store
	seq   *sequencer.Sequencer
	hub   *fanout.Hub
	now   func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(st *store.Store, seq *sequencer.Sequencer, hub *fanout.Hub) *Recorder {
	return &Recorder{store: st, seq: seq, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// Emit records one event for a session. agentID may be empty for
// session-scoped events.
func (r *Recorder) Emit(ctx context.Context, sessionID, agentID string, payload models.Payload) (models.AgentEvent, error) {
	ev := models.AgentEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      payload.EventType(),
		Timestamp: r.now(),
		Payload:   payload,
	}
	_, err := r.seq.Assign(ctx, sessionID, func(n int64) error {
		ev.Sequence = n
		if err := r.store.AppendEvent(ctx, &ev); err != nil {
			return err
		}
		// Publishing under the sequencer's session lock keeps live order
		// equal to sequence order.
		r.hub.Publish(ev)
		return nil
	})
	if err != nil {
		return models.AgentEvent{}, err
	}
	return ev, nil
}

// Close ends live delivery for a session once its log is complete.
func (r *Recorder) Close(sessionID string) {
	r.hub.CloseSession(sessionID)
	r.seq.Forget(sessionID)
}

// Hub returns the fan-out hub.
func (r *Recorder) Hub() *fanout.Hub { return r.hub }
