// Package controlplane provides the HTTP API and service layer for Conductor.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/rs/zerolog/log"
)

// Prompt length bounds, in characters.
const (
	MinPromptLen = 20
	MaxPromptLen = 2000
)

// Event page sizes.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// Service provides the control plane business logic.
type Service struct {
	store      *store.Store
	pdr        *audit.PDRWriter
	sup        *supervisor.Supervisor
	recorder   *orchestrator.Recorder
	sched      *scheduler.Scheduler
	outputRoot string
	version    string
}

// NewService creates a new control plane service.
func NewService(st *store.Store, pdr *audit.PDRWriter, sup *supervisor.Supervisor, rec *orchestrator.Recorder, sched *scheduler.Scheduler, outputRoot, version string) *Service {
	return &Service{
		store:      st,
		pdr:        pdr,
		sup:        sup,
		recorder:   rec,
		sched:      sched,
		outputRoot: outputRoot,
		version:    version,
	}
}

// --- Session Operations ---

// CreateSession validates the prompt, stores the session with its roster and
// launches its worker. A launch failure is recorded on the session, which is
// still returned.
func (s *Service) CreateSession(ctx context.Context, prompt string, opts models.SessionOptions) (*models.Session, error) {
	prompt = strings.TrimSpace(prompt)
	if n := utf8.RuneCountInString(prompt); n < MinPromptLen || n > MaxPromptLen {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPrompt, n)
	}

	session, _, err := s.store.CreateSession(ctx, store.CreateSessionParams{
		Prompt:     prompt,
		Options:    opts,
		OutputRoot: s.outputRoot,
		Roster:     orchestrator.DefaultRoster(),
	})
	if err != nil {
		return nil, err
	}
	s.pdr.Note(ctx, audit.ActionSessionCreate, map[string]interface{}{"prompt": prompt, "options": opts}, audit.OutcomeOK, session.ID, "")

	if err := s.sup.Launch(ctx, session); err != nil {
		if errors.Is(err, supervisor.ErrShuttingDown) {
			return nil, err
		}
		log.Error().Err(err).Str("session_id", session.ID).Msg("launch worker")
	}
	if current, err := s.store.GetSession(ctx, session.ID); err == nil && current != nil {
		return current, nil
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	return session, nil
}

// ListSessions returns sessions, optionally filtered by status.
func (s *Service) ListSessions(ctx context.Context, status string) ([]models.Session, error) {
	if status != "" && !models.SessionStatus(status).Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	return s.store.ListSessions(ctx, status)
}

// StopSession cancels a session's run.
func (s *Service) StopSession(ctx context.Context, id string) (*models.Session, error) {
	return s.sup.Stop(ctx, id, true)
}

// PauseSession suspends a session's worker.
func (s *Service) PauseSession(ctx context.Context, id string) (*models.Session, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.sup.Pause(ctx, id)
}

// ResumeSession continues a paused worker.
func (s *Service) ResumeSession(ctx context.Context, id string) (*models.Session, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.sup.Resume(ctx, id)
}

// --- Agents and Work Packages ---

// ListAgents returns a session's roster.
func (s *Service) ListAgents(ctx context.Context, sessionID string) ([]models.Agent, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListAgents(ctx, sessionID)
}

// ListWorkPackages returns a session's work packages in creation order.
func (s *Service) ListWorkPackages(ctx context.Context, sessionID string) ([]models.WorkPackage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListWorkPackages(ctx, sessionID)
}

// Plan is a session's work packages with the scheduler's view of them.
type Plan struct {
	Outcome   scheduler.Outcome    `json:"outcome"`
	BatchSize int                  `json:"batch_size"`
	Packages  []models.WorkPackage `json:"packages"`
}

// GetPlan reports whether a session's plan can still make progress.
func (s *Service) GetPlan(ctx context.Context, sessionID string) (*Plan, error) {
	packages, err := s.ListWorkPackages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	outcome, err := s.sched.Outcome(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if packages == nil {
		packages = []models.WorkPackage{}
	}
	return &Plan{Outcome: outcome, BatchSize: s.sched.BatchSize(), Packages: packages}, nil
}

// CreateWorkPackages adds packages to a session's plan. The combined graph
// must stay closed and acyclic; eligible packages are released at once.
func (s *Service) CreateWorkPackages(ctx context.Context, sessionID string, packages []models.WorkPackage) ([]models.WorkPackage, error) {
	if len(packages) == 0 {
		return nil, fmt.Errorf("%w: no work packages", ErrInvalidRequest)
	}
	for i := range packages {
		packages[i].ID = strings.TrimSpace(packages[i].ID)
		if packages[i].Title == "" {
			packages[i].Title = packages[i].ID
		}
		packages[i].Status = models.WorkPackagePending
	}
	p, err := s.sup.Pipeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := p.ImportPlan(ctx, packages); err != nil {
		return nil, err
	}
	return s.store.ListWorkPackages(ctx, sessionID)
}

// RetryWorkPackage resets a failed package and releases eligible work.
func (s *Service) RetryWorkPackage(ctx context.Context, sessionID, wpID string) (*models.WorkPackage, error) {
	p, err := s.sup.Pipeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return p.Retry(ctx, wpID)
}

// --- Artifacts ---

// ListArtifacts returns the latest version of each path, or every version.
func (s *Service) ListArtifacts(ctx context.Context, sessionID string, all bool) ([]models.Artifact, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, sessionID, all)
}

// GetArtifact returns one artifact version of a session.
func (s *Service) GetArtifact(ctx context.Context, sessionID, artifactID string) (*models.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.SessionID != sessionID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

// --- Events ---

// EventPage is one page of a session's event log.
type EventPage struct {
	Events    []models.AgentEvent `json:"events"`
	NextAfter int64               `json:"next_after"`
	HasMore   bool                `json:"has_more"`
}

// ListEvents returns events after the given sequence.
func (s *Service) ListEvents(ctx context.Context, sessionID string, after int64, limit int) (*EventPage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if after < 0 {
		return nil, fmt.Errorf("%w: after must not be negative", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	events, err := s.store.ListEvents(ctx, sessionID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := &EventPage{Events: events, NextAfter: after}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if page.Events == nil {
		page.Events = []models.AgentEvent{}
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].Sequence
	}
	return page, nil
}

// Subscribe opens a gap-free feed of a session's events after afterSeq.
func (s *Service) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (*fanout.Subscription, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	return s.recorder.Hub().SubscribeFrom(ctx, sessionID, afterSeq, s.store)
}

// PublishRequest is an event submitted by a client.
type PublishRequest struct {
	Type    models.EventType `json:"type"`
	AgentID string           `json:"agent_id,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

// Publish sequences and stores a client event like any worker-derived one.
// Only the daemon may complete a session.
func (s *Service) Publish(ctx context.Context, sessionID string, req PublishRequest) (*models.AgentEvent, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, req.Type)
	}
	if req.Type == models.EventSessionComplete {
		return nil, fmt.Errorf("%w: %s is reserved", ErrInvalidEvent, req.Type)
	}
	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, store.ErrSessionTerminal
	}
	if req.AgentID != "" {
		agent, err := s.store.GetAgent(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		if agent == nil || agent.SessionID != sessionID {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidEvent, req.AgentID)
		}
	}
	ev, err := s.recorder.Emit(ctx, sessionID, req.AgentID, payload)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// --- Health ---

// Health is the daemon status report.
type Health struct {
	OK      bool             `json:"ok"`
	DB      string           `json:"db"`
	Version string           `json:"version"`
	Time    time.Time        `json:"time"`
	Workers   supervisor.Stats       `json:"workers"`
	Scheduler map[string]interface{} `json:"scheduler"`
}

// Health checks the database and reports pool usage.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		OK:        true,
		DB:        "ok",
		Version:   s.version,
		Time:      time.Now().UTC(),
		Workers:   s.sup.Stats(),
		Scheduler: s.sched.GetStats(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	return h
}
