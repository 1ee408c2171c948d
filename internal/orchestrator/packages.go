package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/rs/zerolog/log"
)

// loadPlan imports the plan file the worker announced. A missing or
// unreadable file is logged; an invalid graph halts the run.
func (p *Pipeline) loadPlan(ctx context.Context, announced int) {
	packages, err := ReadPlan(p.outputDir)
	if err != nil {
		p.warn(ctx, fmt.Sprintf("worker announced %d work packages but the plan could not be read: %v", announced, err))
		return
	}
	if _, err := p.importLocked(ctx, packages); err != nil {
		if errors.Is(err, ErrInvalidPlan) {
			p.emit(ctx, "", models.StepErrorPayload{Reason: err.Error()})
			p.halt(err.Error())
			return
		}
		log.Error().Err(err).Str("session_id", p.sessionID).Msg("import plan")
	}
}

// ImportPlan validates packages against the session's existing plan, stores
// the new ones and releases whatever became eligible. Packages whose id
// already exists are skipped so a re-announced plan is harmless.
func (p *Pipeline) ImportPlan(ctx context.Context, packages []models.WorkPackage) ([]models.WorkPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.importLocked(ctx, packages)
}

func (p *Pipeline) importLocked(ctx context.Context, packages []models.WorkPackage) ([]models.WorkPackage, error) {
	existing, err := p.deps.Store.ListWorkPackages(ctx, p.sessionID)
	if err != nil {
		return nil, err
	}
	fresh, err := MergePlan(existing, packages)
	if err != nil {
		p.deps.PDR.Note(ctx, audit.ActionPlanLoad, packages, audit.OutcomeFailed, p.sessionID, err.Error())
		return nil, err
	}

	var created []models.WorkPackage
	if len(fresh) > 0 {
		created, err = p.deps.Store.CreateWorkPackages(ctx, p.sessionID, fresh)
		if err != nil {
			return nil, fmt.Errorf("create work packages: %w", err)
		}
	}
	p.deps.PDR.Note(ctx, audit.ActionPlanLoad, packages, audit.OutcomeOK, p.sessionID,
		fmt.Sprintf("%d new of %d work packages", len(created), len(packages)))
	log.Info().Str("session_id", p.sessionID).Int("work_packages", len(created)).Msg("plan loaded")

	for _, wp := range created {
		p.emit(ctx, p.matcher.Resolve(wp.AgentHint), models.TaskCreatedPayload{
			TaskID:        wp.ID,
			Name:          wp.Title,
			WorkPackageID: wp.ID,
		})
	}
	p.ensureRunning(ctx)
	p.advance(ctx)
	return created, nil
}

// MergePlan returns the packages of incoming not already in existing, after
// checking that the combined graph is closed and acyclic.
func MergePlan(existing, incoming []models.WorkPackage) ([]models.WorkPackage, error) {
	known := make(map[string]bool, len(existing))
	for _, wp := range existing {
		known[wp.ID] = true
	}
	combined := append([]models.WorkPackage(nil), existing...)
	var fresh []models.WorkPackage
	for _, wp := range incoming {
		if known[wp.ID] {
			continue
		}
		known[wp.ID] = true
		fresh = append(fresh, wp)
		combined = append(combined, wp)
	}
	if err := scheduler.ValidateGraph(combined); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return fresh, nil
}

// advance releases every package that became eligible and starts its agent.
func (p *Pipeline) advance(ctx context.Context) {
	released, err := p.deps.Scheduler.Release(ctx, p.sessionID, func(wp models.WorkPackage) string {
		return p.matcher.Resolve(wp.AgentHint)
	})
	if err != nil {
		if !errors.Is(err, store.ErrSessionTerminal) {
			log.Error().Err(err).Str("session_id", p.sessionID).Msg("release work packages")
		}
		return
	}
	for _, wp := range released {
		agentID := wp.AssignedAgentID
		if agentID != "" {
			if p.carrying[agentID] == nil {
				p.carrying[agentID] = make(map[string]bool)
			}
			p.carrying[agentID][wp.ID] = true
			if _, err := p.deps.Store.StartAgent(ctx, agentID, wp.Title); err != nil {
				p.anomaly(ctx, agentID, fmt.Sprintf("start agent for %s: %v", wp.ID, err))
			}
		}
		p.emit(ctx, agentID, models.TaskStartedPayload{Task: wp.Title, WorkPackageID: wp.ID})
	}
}

func (p *Pipeline) finishPackage(ctx context.Context, wpID, agentHint string, status models.WorkPackageStatus, reason string) {
	wp, changed, err := p.deps.Store.FinishWorkPackage(ctx, p.sessionID, wpID, status)
	if errors.Is(err, store.ErrDependencyIncomplete) {
		p.warn(ctx, fmt.Sprintf("ignored completion of %s: %v", wpID, err))
		return
	}
	if err != nil {
		p.anomaly(ctx, "", fmt.Sprintf("work package %s %s: %v", wpID, status, err))
		return
	}
	if !changed {
		return
	}

	agentID := wp.AssignedAgentID
	if agentID == "" {
		agentID = agentHint
	}
	if set := p.carrying[agentID]; set != nil {
		delete(set, wp.ID)
		if len(set) == 0 {
			delete(p.carrying, agentID)
			p.settleAgent(ctx, agentID, status == models.WorkPackageCompleted)
		}
	}

	if status == models.WorkPackageCompleted {
		p.emit(ctx, agentID, models.StepSuccessPayload{
			Task:              wp.Title,
			WorkPackageID:     wp.ID,
			CompletionTimeSec: wp.ActualSec,
		})
	} else {
		if reason == "" {
			reason = "work package failed"
		}
		p.emit(ctx, agentID, models.StepErrorPayload{Task: wp.Title, WorkPackageID: wp.ID, Reason: reason})
	}
	p.advance(ctx)
}

// settleAgent finishes an agent that has no packages left.
func (p *Pipeline) settleAgent(ctx context.Context, agentID string, ok bool) {
	status := models.AgentStatusFailed
	if ok {
		status = models.AgentStatusSucceeded
	}
	if _, err := p.deps.Store.FinishAgent(ctx, agentID, status); err != nil {
		log.Warn().Err(err).Str("session_id", p.sessionID).Str("agent_id", agentID).Msg("settle agent")
	}
}

// Retry resets a failed package to pending and releases eligible work.
func (p *Pipeline) Retry(ctx context.Context, wpID string) (*models.WorkPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wp, err := p.deps.Store.RetryWorkPackage(ctx, p.sessionID, wpID)
	if err != nil {
		p.deps.PDR.Note(ctx, audit.ActionPackageRetry, map[string]string{"wp_id": wpID}, audit.OutcomeFailed, p.sessionID, err.Error())
		return nil, err
	}
	p.deps.PDR.Note(ctx, audit.ActionPackageRetry, map[string]string{"wp_id": wpID}, audit.OutcomeOK, p.sessionID, "")
	p.advance(ctx)

	if current, err := p.deps.Store.GetWorkPackage(ctx, p.sessionID, wpID); err == nil && current != nil {
		return current, nil
	}
	return wp, nil
}
