package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/artifacts"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/translator"
	"github.com/rs/zerolog/log"
)

// ErrInvalidPlan wraps work package graph violations.
var ErrInvalidPlan = errors.New("invalid work package plan")

// Artifact capture sources recorded in ARTIFACT payloads.
const (
	SourceWorker    = "worker"
	SourceWatcher   = "watcher"
	SourceReconcile = "reconcile"
)

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Store     *store.Store
	Recorder  *Recorder
	Scheduler *scheduler.Scheduler
	PDR       *audit.PDRWriter
	Artifacts artifacts.Config
}

// Pipeline applies one session's worker output to the store and records the
// resulting events. All methods are safe for concurrent use; effects are
// applied one at a time.
type Pipeline struct {
	deps      Deps
	sessionID string
	outputDir string
	createdAt time.Time
	matcher   *translator.Matcher
	onHalt    func(reason string)

	mu sync.Mutex
	// task id -> agent id, from TASK_CREATED/TASK_STARTED
	tasks map[string]string
	// agent id -> work package ids it is carrying
	carrying map[string]map[string]bool
	running  bool
	halted   string
}

// NewPipeline creates the pipeline for a session and its roster.
func NewPipeline(deps Deps, session *models.Session, agents []models.Agent) *Pipeline {
	return &Pipeline{
		deps:      deps,
		sessionID: session.ID,
		outputDir: session.OutputDir,
		createdAt: session.CreatedAt,
		matcher:   translator.NewMatcher(agents),
		tasks:     make(map[string]string),
		carrying:  make(map[string]map[string]bool),
		running:   session.Status == models.SessionStatusRunning || session.Status == models.SessionStatusPaused,
	}
}

// OnHalt registers the function called when the run must stop, for example
// after an invalid plan. It is called with the pipeline lock held and must
// not block on the pipeline.
func (p *Pipeline) OnHalt(fn func(reason string)) {
	p.mu.Lock()
	p.onHalt = fn
	p.mu.Unlock()
}

// HandleLine translates one complete line from the worker's stream and
// applies its effects.
func (p *Pipeline) HandleLine(ctx context.Context, stream, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, eff := range translator.Parse(line) {
		p.apply(ctx, stream, eff)
	}
}

func (p *Pipeline) apply(ctx context.Context, stream string, eff translator.Effect) {
	switch e := eff.(type) {
	case translator.LogEffect:
		p.emit(ctx, p.matcher.Resolve(e.Component), models.LogPayload{
			Level:     e.Level,
			Component: e.Component,
			Message:   e.Message,
			Stream:    stream,
		})

	case translator.TaskCreated:
		agentID := p.matcher.Resolve(e.Agent)
		if agentID != "" {
			p.tasks[e.TaskID] = agentID
		}
		p.emit(ctx, agentID, models.TaskCreatedPayload{TaskID: e.TaskID, Name: e.Name})

	case translator.TaskStarted:
		agentID := p.agentFor(e.Agent, e.TaskID)
		p.ensureRunning(ctx)
		if agentID != "" {
			p.tasks[e.TaskID] = agentID
			if _, err := p.deps.Store.StartAgent(ctx, agentID, e.TaskID); err != nil {
				p.anomaly(ctx, agentID, fmt.Sprintf("start agent for task %s: %v", e.TaskID, err))
			}
		}
		p.emit(ctx, agentID, models.TaskStartedPayload{Task: e.TaskID})

	case translator.TaskCompleted:
		agentID := p.agentFor(e.Agent, e.TaskID)
		var elapsed float64
		if agentID != "" {
			agent, err := p.deps.Store.FinishAgent(ctx, agentID, models.AgentStatusSucceeded)
			if err != nil {
				p.anomaly(ctx, agentID, fmt.Sprintf("complete task %s: %v", e.TaskID, err))
			} else {
				elapsed = agent.CompletionTimeSec
			}
		}
		p.emit(ctx, agentID, models.StepSuccessPayload{Task: e.TaskID, CompletionTimeSec: elapsed})

	case translator.TaskFailed:
		agentID := p.agentFor(e.Agent, e.TaskID)
		if agentID != "" {
			if _, err := p.deps.Store.FinishAgent(ctx, agentID, models.AgentStatusFailed); err != nil {
				p.anomaly(ctx, agentID, fmt.Sprintf("fail task %s: %v", e.TaskID, err))
			}
		}
		reason := e.Reason
		if reason == "" {
			reason = "task failed"
		}
		p.emit(ctx, agentID, models.StepErrorPayload{Task: e.TaskID, Reason: reason})

	case translator.FileWritten:
		p.captureLocked(ctx, e.Path, p.matcher.Resolve(e.Agent), SourceWorker)

	case translator.Progress:
		agentID := p.matcher.Resolve(e.Agent)
		percent := e.Percent
		if agentID != "" {
			agent, err := p.deps.Store.UpdateAgentProgress(ctx, agentID, e.Percent)
			if err != nil {
				p.anomaly(ctx, agentID, fmt.Sprintf("update progress: %v", err))
			} else {
				percent = agent.Progress
			}
		}
		p.emit(ctx, agentID, models.ProgressPayload{Percent: percent, Message: e.Message})

	case translator.PackageCompleted:
		p.finishPackage(ctx, e.PackageID, p.matcher.Resolve(e.Agent), models.WorkPackageCompleted, "")

	case translator.PackageFailed:
		p.finishPackage(ctx, e.PackageID, "", models.WorkPackageFailed, e.Reason)

	case translator.PlanReady:
		p.loadPlan(ctx, e.Count)
	}
}

// agentFor resolves an agent from an explicit hint, falling back to the agent
// that last claimed the task and then to the task name itself, since workers
// often name tasks after the agent doing them.
func (p *Pipeline) agentFor(hint, taskID string) string {
	if id := p.matcher.Resolve(hint); id != "" {
		return id
	}
	if id, ok := p.tasks[taskID]; ok {
		return id
	}
	return p.matcher.Resolve(taskID)
}

func (p *Pipeline) emit(ctx context.Context, agentID string, payload models.Payload) {
	ev, err := p.deps.Recorder.Emit(ctx, p.sessionID, agentID, payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", p.sessionID).Str("type", string(payload.EventType())).Msg("record event")
		return
	}
	log.Debug().Str("session_id", p.sessionID).Str("agent_id", agentID).Int64("seq", ev.Sequence).
		Str("type", string(ev.Type)).Msg("event recorded")
}

// anomaly records something the worker said that could not be applied.
func (p *Pipeline) anomaly(ctx context.Context, agentID, msg string) {
	p.emit(ctx, agentID, models.LogPayload{Level: models.LevelDebug, Component: "conductor", Message: msg})
}

func (p *Pipeline) warn(ctx context.Context, msg string) {
	p.emit(ctx, "", models.LogPayload{Level: models.LevelWarn, Component: "conductor", Message: msg})
}

func (p *Pipeline) ensureRunning(ctx context.Context) {
	if p.running {
		return
	}
	_, err := p.deps.Store.UpdateSessionStatus(ctx, p.sessionID, models.SessionStatusRunning)
	switch {
	case err == nil:
		log.Info().Str("session_id", p.sessionID).Msg("session running")
		p.running = true
	case errors.Is(err, store.ErrInvalidTransition):
		p.running = true
	default:
		log.Warn().Err(err).Str("session_id", p.sessionID).Msg("mark session running")
	}
}

func (p *Pipeline) halt(reason string) {
	if p.halted != "" {
		return
	}
	p.halted = reason
	log.Warn().Str("session_id", p.sessionID).Str("reason", reason).Msg("halting run")
	if p.onHalt != nil {
		p.onHalt(reason)
	}
}

// CaptureFile records the file at rel under the session's output dir.
func (p *Pipeline) CaptureFile(ctx context.Context, rel, agentID, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureLocked(ctx, rel, agentID, source)
}

func (p *Pipeline) captureLocked(ctx context.Context, rel, agentID, source string) {
	c, err := artifacts.Capture(p.outputDir, rel, p.deps.Artifacts.MaxContentBytes)
	if err != nil {
		if errors.Is(err, store.ErrInvalidPath) {
			p.warn(ctx, fmt.Sprintf("rejected artifact path %q: %v", rel, err))
		} else {
			p.anomaly(ctx, agentID, fmt.Sprintf("capture %s: %v", rel, err))
		}
		return
	}

	a, created, err := p.deps.Store.SaveArtifact(ctx, models.Artifact{
		SessionID: p.sessionID,
		AgentID:   agentID,
		FilePath:  c.Path,
		Content:   c.Content,
		Size:      c.Size,
		Language:  c.Language,
		Checksum:  c.Checksum,
	}, p.packageFor(agentID))
	if err != nil {
		log.Error().Err(err).Str("session_id", p.sessionID).Str("path", c.Path).Msg("save artifact")
		return
	}
	if !created {
		return
	}
	p.emit(ctx, agentID, models.ArtifactPayload{
		ArtifactID: a.ID,
		FilePath:   a.FilePath,
		Size:       a.Size,
		Language:   a.Language,
		Checksum:   a.Checksum,
		Version:    a.Version,
		Source:     source,
	})
}

// packageFor returns the work package an agent is carrying, choosing the
// lowest id when it carries several.
func (p *Pipeline) packageFor(agentID string) string {
	set := p.carrying[agentID]
	if len(set) == 0 {
		return ""
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0]
}

// Reconcile captures every file under the output dir that was not reported,
// or changed since it was.
func (p *Pipeline) Reconcile(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconcileLocked(ctx)
}

func (p *Pipeline) reconcileLocked(ctx context.Context) {
	files, err := artifacts.Scan(p.outputDir, p.deps.Artifacts.Ignore)
	if err != nil {
		log.Warn().Err(err).Str("session_id", p.sessionID).Msg("reconcile output dir")
		return
	}
	for _, f := range files {
		p.captureLocked(ctx, f, "", SourceReconcile)
	}
}
