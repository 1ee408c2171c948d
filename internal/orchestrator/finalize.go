package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/rs/zerolog/log"
)

// Exit describes how a worker run ended.
type Exit struct {
	ExitCode int
	// Stopped is set when the user asked for the run to be cancelled.
	Stopped bool
	// Reason explains a failure the supervisor observed, such as a spawn
	// error or a lost process.
	Reason string
	// StartedAt is when the worker process started; zero if it never did.
	StartedAt time.Time
}

// Finalize settles a finished run: it captures unreported files, closes any
// work left in flight, decides the terminal status, stores the metrics
// snapshot and records the single SESSION_COMPLETE event. Live subscribers
// are closed afterwards.
func (p *Pipeline) Finalize(ctx context.Context, exit Exit) (*models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reconcileLocked(ctx)

	status, reason := p.decide(ctx, exit)
	p.settleInFlight(ctx, status)

	agents, err := p.deps.Store.ListAgents(ctx, p.sessionID)
	if err != nil {
		return nil, err
	}
	duration := p.elapsed(exit)

	session, err := p.deps.Store.FinalizeSession(ctx, p.sessionID, store.FinalizeParams{
		Status:      status,
		DurationSec: duration,
		Metrics:     Metrics(agents),
		Reason:      reason,
	})
	if errors.Is(err, store.ErrSessionTerminal) {
		// Someone else finished the session; report what it ended as.
		session, err = p.deps.Store.GetSession(ctx, p.sessionID)
		if err == nil && session == nil {
			err = store.ErrNotFound
		}
	}
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}

	_, err = p.deps.Recorder.Emit(ctx, p.sessionID, "", models.SessionCompletePayload{
		Status:       session.Status,
		ExitCode:     exit.ExitCode,
		DurationSec:  session.DurationSec,
		FilesCreated: session.FilesCreated,
		Reason:       session.Error,
	})
	if err != nil && !errors.Is(err, store.ErrSessionClosed) {
		log.Error().Err(err).Str("session_id", p.sessionID).Msg("record session complete")
	}
	p.deps.Recorder.Close(p.sessionID)
	p.deps.Scheduler.Forget(p.sessionID)

	p.deps.PDR.Note(ctx, audit.ActionSessionFinalize, map[string]interface{}{
		"session_id": p.sessionID,
		"exit_code":  exit.ExitCode,
		"stopped":    exit.Stopped,
	}, string(session.Status), p.sessionID, session.Error)

	ev := log.Info().Str("session_id", p.sessionID).Str("status", string(session.Status)).
		Int("exit_code", exit.ExitCode).Float64("duration_sec", session.DurationSec).
		Int("files_created", session.FilesCreated)
	if !exit.StartedAt.IsZero() {
		ev = ev.Dur("worker_elapsed", time.Since(exit.StartedAt))
	}
	ev.Msg("session finished")
	return session, nil
}

// elapsed is the session duration from creation to now, including any time
// spent queued for a worker slot.
func (p *Pipeline) elapsed(exit Exit) float64 {
	from := p.createdAt
	if from.IsZero() {
		from = exit.StartedAt
	}
	if from.IsZero() {
		return 0
	}
	return time.Since(from).Seconds()
}

// Abort records why a run could not proceed and finalizes the session as
// failed.
func (p *Pipeline) Abort(ctx context.Context, exit Exit) (*models.Session, error) {
	if exit.Reason == "" {
		exit.Reason = "run aborted"
	}
	p.mu.Lock()
	p.emit(ctx, "", models.StepErrorPayload{Reason: exit.Reason})
	p.mu.Unlock()
	return p.Finalize(ctx, exit)
}

// decide picks the terminal status. Cancellation wins, then a halt, then a
// supervisor-observed failure, then the exit code, then the plan outcome.
func (p *Pipeline) decide(ctx context.Context, exit Exit) (models.SessionStatus, string) {
	switch {
	case exit.Stopped:
		reason := exit.Reason
		if reason == "" {
			reason = "stopped by request"
		}
		return models.SessionStatusStopped, reason
	case p.halted != "":
		return models.SessionStatusFailed, p.halted
	case exit.Reason != "":
		return models.SessionStatusFailed, exit.Reason
	case exit.ExitCode != 0:
		return models.SessionStatusFailed, fmt.Sprintf("worker exited with code %d", exit.ExitCode)
	}

	packages, err := p.deps.Store.ListWorkPackages(ctx, p.sessionID)
	if err != nil {
		return models.SessionStatusFailed, fmt.Sprintf("read work packages: %v", err)
	}
	// Packages still running when the worker exits cleanly never reported.
	for _, wp := range packages {
		if wp.Status == models.WorkPackageInProgress {
			return models.SessionStatusFailed, fmt.Sprintf("worker exited before work package %s finished", wp.ID)
		}
	}
	if scheduler.Evaluate(packages) == scheduler.OutcomeStalled {
		done := 0
		for _, wp := range packages {
			if wp.Status == models.WorkPackageCompleted {
				done++
			}
		}
		return models.SessionStatusFailed, fmt.Sprintf("work plan stalled: %d of %d packages completed", done, len(packages))
	}
	return models.SessionStatusCompleted, ""
}

// settleInFlight closes packages and agents the worker left open.
func (p *Pipeline) settleInFlight(ctx context.Context, status models.SessionStatus) {
	packages, err := p.deps.Store.ListWorkPackages(ctx, p.sessionID)
	if err == nil {
		for _, wp := range packages {
			if wp.Status != models.WorkPackageInProgress {
				continue
			}
			if _, changed, err := p.deps.Store.FinishWorkPackage(ctx, p.sessionID, wp.ID, models.WorkPackageFailed); err == nil && changed {
				p.emit(ctx, wp.AssignedAgentID, models.StepErrorPayload{
					Task:          wp.Title,
					WorkPackageID: wp.ID,
					Reason:        fmt.Sprintf("session %s before the package finished", status),
				})
			}
		}
	}
	p.carrying = make(map[string]map[string]bool)

	agents, err := p.deps.Store.ListAgents(ctx, p.sessionID)
	if err != nil {
		return
	}
	final := models.AgentStatusFailed
	if status == models.SessionStatusCompleted {
		final = models.AgentStatusSucceeded
	}
	for _, a := range agents {
		if a.Status != models.AgentStatusRunning {
			continue
		}
		if _, err := p.deps.Store.FinishAgent(ctx, a.ID, final); err != nil {
			log.Warn().Err(err).Str("session_id", p.sessionID).Str("agent_id", a.ID).Msg("settle agent")
		}
	}
}
