package fanout

import (
	"context"
	"fmt"

	"github.com/fentz26/conductor/internal/models"
	"github.com/rs/zerolog/log"
)

// History reads persisted events with sequence > after, in order.
type History interface {
	ListEvents(ctx context.Context, sessionID string, after int64, limit int) ([]models.AgentEvent, error)
}

// SubscribeFrom delivers every event of a session with sequence > afterSeq,
// exactly once and in order: persisted history first, then live events.
//
// The live registration happens before history is read, so nothing published
// in between is missed. Live events already covered by history are skipped,
// and any hole in the live feed (for example from DropOldest) is filled from
// history. The returned channel closes after SESSION_COMPLETE, on ctx
// cancellation, on Close, or when the live feed ends.
func (h *Hub) SubscribeFrom(ctx context.Context, sessionID string, afterSeq int64, history History) (*Subscription, error) {
	sub, err := h.Subscribe(sessionID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.AgentEvent)
	sub.C = out
	p := &pump{sub: sub, out: out, history: history, last: afterSeq}
	go p.run(ctx)
	return sub, nil
}

type pump struct {
	sub      *Subscription
	out      chan models.AgentEvent
	history  History
	last     int64
	finished bool
}

func (p *pump) run(ctx context.Context) {
	defer close(p.out)
	defer p.sub.Close()

	if !p.backfill(ctx) || p.finished {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.sub.stop:
			return
		case ev, ok := <-p.sub.live:
			if !ok {
				// The live feed ended; hand over whatever reached the store
				// after the last live event.
				if !p.sub.Disconnected() {
					p.backfill(ctx)
				}
				return
			}
			if ev.Sequence <= p.last {
				continue
			}
			if ev.Sequence > p.last+1 {
				if !p.backfill(ctx) || p.finished {
					return
				}
				if ev.Sequence <= p.last {
					continue
				}
			}
			if !p.emit(ctx, ev) || p.finished {
				return
			}
		}
	}
}

// backfill sends every stored event after p.last. It returns false when the
// subscriber went away or history failed.
func (p *pump) backfill(ctx context.Context) bool {
	if p.history == nil {
		return true
	}
	events, err := p.history.ListEvents(ctx, p.sub.SessionID, p.last, 0)
	if err != nil {
		p.sub.setErr(fmt.Errorf("replay events: %w", err))
		log.Error().Err(err).Str("session_id", p.sub.SessionID).Int64("after", p.last).Msg("replay events")
		return false
	}
	for _, ev := range events {
		if ev.Sequence <= p.last {
			continue
		}
		if !p.emit(ctx, ev) {
			return false
		}
		if p.finished {
			return true
		}
	}
	return true
}

func (p *pump) emit(ctx context.Context, ev models.AgentEvent) bool {
	select {
	case p.out <- ev:
	case <-ctx.Done():
		return false
	case <-p.sub.stop:
		return false
	}
	p.last = ev.Sequence
	if ev.Type == models.EventSessionComplete {
		p.finished = true
	}
	return true
}
