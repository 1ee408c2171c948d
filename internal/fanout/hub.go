// Package fanout delivers session events to live subscribers.
//
// A single hub goroutine owns every subscriber. Publishers and subscribers
// talk to it over channels, and a slow subscriber can only ever lose its own
// events, never stall a publisher.
package fanout

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fentz26/conductor/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest buffered event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect closes the subscriber.
	Disconnect OverflowPolicy = "disconnect"
)

// ErrHubClosed is returned when subscribing to a stopped hub.
var ErrHubClosed = errors.New("fanout hub is closed")

// Config holds hub settings.
type Config struct {
	BufferSize int            `yaml:"buffer_size"`
	Policy     OverflowPolicy `yaml:"overflow_policy"`
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{BufferSize: 256, Policy: DropOldest}
}

// Validate checks the hub settings.
func (c Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.Policy != DropOldest && c.Policy != Disconnect {
		return fmt.Errorf("unknown overflow policy %q", c.Policy)
	}
	return nil
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
}

// Subscription is one live feed of a session's events. C is closed when the
// session completes, the subscriber overflows under Disconnect, the hub stops
// or Close is called.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan models.AgentEvent

	live     chan models.AgentEvent
	hub      *Hub
	stop     chan struct{}
	stopOnce sync.Once

	disconnected atomic.Bool
	dropped      atomic.Int64
	errMu        sync.Mutex
	err          error
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.hub.send(command{kind: cmdUnsubscribe, sub: s})
	})
}

// Disconnected reports whether the hub dropped this subscriber for falling
// behind.
func (s *Subscription) Disconnected() bool { return s.disconnected.Load() }

// Dropped returns how many events were discarded under DropOldest.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Err returns the error that ended a replaying subscription, if any.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdUnsubscribe
	cmdPublish
	cmdCloseSession
	cmdStats
)

type command struct {
	kind      cmdKind
	sub       *Subscription
	event     models.AgentEvent
	sessionID string
	reply     chan Stats
	ok        chan bool
}

// Hub fans events out to per-session subscribers.
type Hub struct {
	cfg  Config
	cmds chan command
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// owned by the run goroutine
	subs   map[string]map[string]*Subscription
	closed map[string]struct{}
}

// New starts a hub.
func New(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	h := &Hub{
		cfg:    cfg,
		cmds:   make(chan command, 256),
		done:   make(chan struct{}),
		subs:   make(map[string]map[string]*Subscription),
		closed: make(map[string]struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *Hub) send(cmd command) bool {
	select {
	case h.cmds <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// Subscribe registers a live subscriber for a session. Only events published
// after registration are delivered. Subscribing to a session that has already
// been closed returns a subscription whose channel is already closed.
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		live:      make(chan models.AgentEvent, h.cfg.BufferSize),
		hub:       h,
		stop:      make(chan struct{}),
	}
	sub.C = sub.live
	ok := make(chan bool, 1)
	if !h.send(command{kind: cmdSubscribe, sub: sub, ok: ok}) {
		return nil, ErrHubClosed
	}
	select {
	case <-ok:
	case <-h.done:
		return nil, ErrHubClosed
	}
	return sub, nil
}

// Publish hands an event to the hub. It never waits on subscribers.
func (h *Hub) Publish(event models.AgentEvent) {
	h.send(command{kind: cmdPublish, event: event})
}

// CloseSession closes every subscriber of a session. Later subscriptions to
// the session start closed.
func (h *Hub) CloseSession(sessionID string) {
	h.send(command{kind: cmdCloseSession, sessionID: sessionID})
}

// Stats returns subscriber counts.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	if !h.send(command{kind: cmdStats, reply: reply}) {
		return Stats{}
	}
	select {
	case st := <-reply:
		return st
	case <-h.done:
		return Stats{}
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			for sessionID := range h.subs {
				h.closeSession(sessionID)
			}
			return
		case cmd := <-h.cmds:
			h.handle(cmd)
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdSubscribe:
		sub := cmd.sub
		if _, done := h.closed[sub.SessionID]; done {
			close(sub.live)
		} else {
			set := h.subs[sub.SessionID]
			if set == nil {
				set = make(map[string]*Subscription)
				h.subs[sub.SessionID] = set
			}
			set[sub.ID] = sub
			log.Debug().Str("session_id", sub.SessionID).Str("subscriber", sub.ID).
				Int("subscribers", len(set)).Msg("subscriber added")
		}
		cmd.ok <- true

	case cmdUnsubscribe:
		h.remove(cmd.sub)

	case cmdPublish:
		for _, sub := range h.subs[cmd.event.SessionID] {
			h.deliver(sub, cmd.event)
		}

	case cmdCloseSession:
		h.closeSession(cmd.sessionID)
		h.closed[cmd.sessionID] = struct{}{}

	case cmdStats:
		st := Stats{Sessions: len(h.subs)}
		for _, set := range h.subs {
			st.Subscribers += len(set)
		}
		cmd.reply <- st
	}
}

func (h *Hub) deliver(sub *Subscription, event models.AgentEvent) {
	select {
	case sub.live <- event:
		return
	default:
	}

	switch h.cfg.Policy {
	case Disconnect:
		sub.disconnected.Store(true)
		h.remove(sub)
		log.Warn().Str("session_id", sub.SessionID).Str("subscriber", sub.ID).
			Int64("seq", event.Sequence).Msg("subscriber overflowed, disconnected")
	default:
		select {
		case <-sub.live:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.live <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	set, ok := h.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := set[sub.ID]; !ok {
		return
	}
	delete(set, sub.ID)
	if len(set) == 0 {
		delete(h.subs, sub.SessionID)
	}
	close(sub.live)
}

func (h *Hub) closeSession(sessionID string) {
	for _, sub := range h.subs[sessionID] {
		close(sub.live)
	}
	delete(h.subs, sessionID)
}
