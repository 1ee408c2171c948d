package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
	"github.com/rs/zerolog/log"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListWorkPackages(ctx context.Context, sessionID string) ([]models.WorkPackage, error)
	ReleaseWorkPackages(ctx context.Context, sessionID string, pick func([]models.WorkPackage) []store.Release) ([]models.WorkPackage, error)
}

// AssignFunc picks the agent that will carry a package, or "" for none.
type AssignFunc func(wp models.WorkPackage) string

// Scheduler decides which work packages start next.
type Scheduler struct {
	store  Store
	pdr    *audit.PDRWriter
	config *Config

	mu       sync.Mutex
	released int
	sessions map[string]int
}

// New creates a new scheduler.
func New(s Store, pdr *audit.PDRWriter, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		store:    s,
		pdr:      pdr,
		config:   cfg,
		sessions: make(map[string]int),
	}
}

// BatchSize returns the configured batch size.
func (sch *Scheduler) BatchSize() int {
	return sch.config.BatchSize
}

// Release moves every currently eligible package of a session to
// in_progress. The snapshot and the writes happen in one store transaction,
// so two concurrent releases cannot start the same package or exceed the
// batch size.
func (sch *Scheduler) Release(ctx context.Context, sessionID string, assign AssignFunc) ([]models.WorkPackage, error) {
	released, err := sch.store.ReleaseWorkPackages(ctx, sessionID, func(packages []models.WorkPackage) []store.Release {
		eligible := Eligible(packages, sch.config.BatchSize)
		picks := make([]store.Release, 0, len(eligible))
		for _, wp := range eligible {
			rel := store.Release{WorkPackageID: wp.ID}
			if assign != nil {
				rel.AgentID = assign(wp)
			}
			picks = append(picks, rel)
		}
		return picks
	})
	if err != nil {
		return nil, fmt.Errorf("release work packages: %w", err)
	}
	if len(released) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(released))
	for _, wp := range released {
		ids = append(ids, wp.ID)
	}
	sch.pdr.Note(ctx, audit.ActionPackagesRelease, map[string]interface{}{
		"session_id": sessionID,
		"packages":   ids,
		"batch_size": sch.config.BatchSize,
	}, audit.OutcomeOK, sessionID, fmt.Sprintf("released %d work packages", len(ids)))

	sch.mu.Lock()
	sch.released += len(released)
	sch.sessions[sessionID] += len(released)
	sch.mu.Unlock()

	log.Info().Str("session_id", sessionID).Strs("wp_ids", ids).Msg("work packages released")
	return released, nil
}

// Outcome evaluates a session's current plan.
func (sch *Scheduler) Outcome(ctx context.Context, sessionID string) (Outcome, error) {
	packages, err := sch.store.ListWorkPackages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return Evaluate(packages), nil
}

// Forget drops per-session counters.
func (sch *Scheduler) Forget(sessionID string) {
	sch.mu.Lock()
	delete(sch.sessions, sessionID)
	sch.mu.Unlock()
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	perSession := make(map[string]int, len(sch.sessions))
	for k, v := range sch.sessions {
		perSession[k] = v
	}
	return map[string]interface{}{
		"batch_size":      sch.config.BatchSize,
		"released_total":  sch.released,
		"released_by_run": perSession,
	}
}
