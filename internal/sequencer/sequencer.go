// Package sequencer assigns per-session, gap-free event sequence numbers.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSessionRequired is returned when no session ID is given.
var ErrSessionRequired = errors.New("session id is required")

// Source reports the highest sequence already persisted for a session.
type Source interface {
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
}

// Sequencer hands out sequence numbers 1..N per session. Each session has its
// own lock, so sessions never contend with each other.
type Sequencer struct {
	src Source

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	last   int64
}

// New creates a Sequencer seeded lazily from src.
func New(src Source) *Sequencer {
	return &Sequencer{src: src, counters: make(map[string]*counter)}
}

func (s *Sequencer) counter(sessionID string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[sessionID]
	if !ok {
		c = &counter{}
		s.counters[sessionID] = c
	}
	return c
}

// seedLocked loads the persisted maximum the first time a session is used.
func (s *Sequencer) seedLocked(ctx context.Context, sessionID string, c *counter) error {
	if c.seeded {
		return nil
	}
	if s.src != nil {
		max, err := s.src.MaxSequence(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("seed sequence: %w", err)
		}
		c.last = max
	}
	c.seeded = true
	return nil
}

// Next reserves and returns the next sequence for a session.
func (s *Sequencer) Next(ctx context.Context, sessionID string) (int64, error) {
	return s.Assign(ctx, sessionID, nil)
}

// Assign calls persist with the next sequence while holding the session's
// lock. The counter advances only when persist succeeds, so a failed write
// leaves no gap. A nil persist always succeeds.
func (s *Sequencer) Assign(ctx context.Context, sessionID string, persist func(seq int64) error) (int64, error) {
	if sessionID == "" {
		return 0, ErrSessionRequired
	}
	c := s.counter(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := s.seedLocked(ctx, sessionID, c); err != nil {
		return 0, err
	}
	next := c.last + 1
	if persist != nil {
		if err := persist(next); err != nil {
			return 0, err
		}
	}
	c.last = next
	return next, nil
}

// Current returns the last sequence handed out for a session.
func (s *Sequencer) Current(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, ErrSessionRequired
	}
	c := s.counter(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.seedLocked(ctx, sessionID, c); err != nil {
		return 0, err
	}
	return c.last, nil
}

// Forget drops the in-memory counter for a session. A later call reseeds
// from the Source.
func (s *Sequencer) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.counters, sessionID)
	s.mu.Unlock()
}
