// Package supervisor runs one worker process per session, streams its output
// into the session's pipeline and finalizes the session when it exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/translator"
	"github.com/fentz26/conductor/internal/watcher"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrAlreadyRunning is returned when a session already has a worker.
	ErrAlreadyRunning = errors.New("session already has a worker")
	// ErrNotRunning is returned when a session has no live worker.
	ErrNotRunning = errors.New("session has no running worker")
	// ErrShuttingDown is returned for launches after Shutdown began.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// State is the lifecycle of one supervised run.
type State string

const (
	StateLaunching  State = "launching"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Stats describes the worker pool.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Max    int `json:"max"`
}

type streamLine struct {
	stream string
	text   string
}

type run struct {
	sessionID string
	session   *models.Session
	pipeline  *orchestrator.Pipeline
	ctx       context.Context
	cancel    context.CancelFunc

	// guarded by Supervisor.mu
	state         State
	cmd           *exec.Cmd
	stopRequested bool
	stopCancel    bool
	stopReason    string

	termOnce sync.Once
	exited   chan struct{}
	done     chan struct{}
	result   *models.Session
	err      error
}

// Supervisor owns the registry of live runs.
type Supervisor struct {
	deps  orchestrator.Deps
	cfg   *Config
	slots int
	sem   *semaphore.Weighted

	mu      sync.Mutex
	runs    map[string]*run
	queued  int
	active  int
	closing bool

	wg sync.WaitGroup
}

// New creates a supervisor. cfg may be nil for defaults.
func New(deps orchestrator.Deps, cfg *Config) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	slots := cfg.MaxConcurrent
	if slots < 1 {
		slots = 1
	}
	return &Supervisor{
		deps:  deps,
		cfg:   cfg,
		slots: slots,
		sem:   semaphore.NewWeighted(int64(slots)),
		runs:  make(map[string]*run),
	}
}

// Launch queues a worker for session and returns once it is registered.
// Launches beyond the pool size wait for a free slot in arrival order.
func (s *Supervisor) Launch(ctx context.Context, session *models.Session) error {
	if session.Status.IsTerminal() {
		return store.ErrSessionTerminal
	}
	agents, err := s.deps.Store.ListAgents(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	p := orchestrator.NewPipeline(s.deps, session, agents)

	if err := os.MkdirAll(session.OutputDir, 0o755); err != nil {
		reason := fmt.Sprintf("create output dir: %v", err)
		s.deps.PDR.Note(ctx, audit.ActionSessionLaunch, launchInputs(session, s.cfg), audit.OutcomeFailed, session.ID, reason)
		if _, ferr := p.Abort(context.Background(), orchestrator.Exit{ExitCode: -1, Reason: reason}); ferr != nil {
			log.Error().Err(ferr).Str("session_id", session.ID).Msg("finalize failed launch")
		}
		return fmt.Errorf("create output dir: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := s.runs[session.ID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		sessionID: session.ID,
		session:   session,
		pipeline:  p,
		ctx:       runCtx,
		cancel:    cancel,
		state:     StateLaunching,
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.runs[session.ID] = r
	s.queued++
	s.wg.Add(1)
	s.mu.Unlock()

	p.OnHalt(func(reason string) { s.requestStop(r, false, reason) })
	s.deps.PDR.Note(ctx, audit.ActionSessionLaunch, launchInputs(session, s.cfg), audit.OutcomeOK, session.ID, "")
	log.Info().Str("session_id", session.ID).Str("output_dir", session.OutputDir).Msg("worker queued")

	go s.supervise(r)
	return nil
}

func launchInputs(session *models.Session, cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"session_id": session.ID,
		"command":    cfg.Command,
		"options":    session.Options,
	}
}

func (s *Supervisor) supervise(r *run) {
	defer s.wg.Done()

	exit, aborted := s.execute(r)

	var sess *models.Session
	var err error
	if aborted {
		sess, err = r.pipeline.Abort(context.Background(), exit)
	} else {
		sess, err = r.pipeline.Finalize(context.Background(), exit)
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", r.sessionID).Msg("finalize session")
	}

	s.mu.Lock()
	delete(s.runs, r.sessionID)
	r.result, r.err = sess, err
	r.state = StateFailed
	if sess != nil {
		switch sess.Status {
		case models.SessionStatusCompleted:
			r.state = StateCompleted
		case models.SessionStatusStopped:
			r.state = StateStopped
		}
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

// execute runs the worker to completion. aborted reports a run that never
// produced a worker exit, such as a spawn failure.
func (s *Supervisor) execute(r *run) (exit orchestrator.Exit, aborted bool) {
	defer close(r.exited)

	if err := s.sem.Acquire(r.ctx, 1); err != nil {
		s.mu.Lock()
		s.queued--
		s.mu.Unlock()
		return s.stoppedExit(r, orchestrator.Exit{ExitCode: -1}), false
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	s.queued--
	s.active++
	stopped := r.stopRequested
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	if stopped {
		return s.stoppedExit(r, orchestrator.Exit{ExitCode: -1}), false
	}

	ctx := context.Background()
	if _, err := s.deps.Store.UpdateSessionStatus(ctx, r.sessionID, models.SessionStatusAnalyzing); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("mark session analyzing")
	}

	dir, err := filepath.Abs(r.session.OutputDir)
	if err != nil {
		return orchestrator.Exit{ExitCode: -1, Reason: fmt.Sprintf("resolve output dir: %v", err)}, true
	}

	cmd := exec.CommandContext(r.ctx, s.cfg.Command, s.workerArgs(r.session, dir)...)
	cmd.Dir = dir
	cmd.Env = s.workerEnv()
	configureProcess(cmd)
	cmd.Cancel = func() error { return killProcess(cmd) }
	cmd.WaitDelay = s.grace()

	lines := make(chan streamLine, 256)
	stdout := translator.NewLineBuffer(func(l string) { lines <- streamLine{stream: "stdout", text: l} })
	stderr := translator.NewLineBuffer(func(l string) { lines <- streamLine{stream: "stderr", text: l} })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for l := range lines {
			r.pipeline.HandleLine(ctx, l.stream, l.text)
		}
	}()

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		close(lines)
		<-consumed
		s.mu.Lock()
		stopped = r.stopRequested
		s.mu.Unlock()
		if stopped {
			return s.stoppedExit(r, orchestrator.Exit{ExitCode: -1, StartedAt: startedAt}), false
		}
		log.Error().Err(err).Str("session_id", r.sessionID).Str("command", s.cfg.Command).Msg("start worker")
		return orchestrator.Exit{ExitCode: -1, Reason: fmt.Sprintf("start worker: %v", err), StartedAt: startedAt}, true
	}

	s.mu.Lock()
	r.cmd = cmd
	r.state = StateStreaming
	s.mu.Unlock()
	log.Info().Str("session_id", r.sessionID).Int("pid", cmd.Process.Pid).Msg("worker started")

	var w *watcher.Watcher
	if s.cfg.WatchOutput {
		w = s.watch(r, dir)
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	close(lines)
	<-consumed
	if w != nil {
		_ = w.Stop()
	}

	exit = orchestrator.Exit{ExitCode: -1, StartedAt: startedAt}
	if cmd.ProcessState != nil {
		exit.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && cmd.ProcessState == nil {
		exit.Reason = fmt.Sprintf("wait for worker: %v", waitErr)
	}
	log.Info().Str("session_id", r.sessionID).Int("exit_code", exit.ExitCode).
		Dur("elapsed", time.Since(startedAt)).Msg("worker exited")

	s.mu.Lock()
	r.state = StateFinalizing
	s.mu.Unlock()
	return s.stoppedExit(r, exit), false
}

// stoppedExit folds a pending stop request into exit.
func (s *Supervisor) stoppedExit(r *run, exit orchestrator.Exit) orchestrator.Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.stopRequested {
		return exit
	}
	exit.Stopped = r.stopCancel
	if exit.Reason == "" {
		exit.Reason = r.stopReason
	}
	return exit
}

func (s *Supervisor) watch(r *run, dir string) *watcher.Watcher {
	w, err := watcher.New(dir, s.deps.Artifacts.Ignore, func(rel string) {
		r.pipeline.CaptureFile(context.Background(), rel, "", orchestrator.SourceWatcher)
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("create output watcher")
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("session_id", r.sessionID).Msg("start output watcher")
		return nil
	}
	return w
}

func (s *Supervisor) workerArgs(session *models.Session, dir string) []string {
	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--problem", session.Prompt, "--output-dir", dir)
	if session.Options.IncludeTests {
		args = append(args, "--include-tests")
	}
	if session.Options.IncludeDocs {
		args = append(args, "--include-docs")
	}
	return args
}

func (s *Supervisor) workerEnv() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.cfg.Env[k])
	}
	return env
}

func (s *Supervisor) grace() time.Duration {
	if s.cfg.StopGrace > 0 {
		return s.cfg.StopGrace
	}
	return 5 * time.Second
}

// requestStop records the first stop request for r and starts terminating
// the worker. It never blocks, so a pipeline may call it while locked.
func (s *Supervisor) requestStop(r *run, cancel bool, reason string) {
	s.mu.Lock()
	if !r.stopRequested {
		r.stopRequested = true
		r.stopCancel = cancel
		r.stopReason = reason
	}
	s.mu.Unlock()
	r.termOnce.Do(func() { go s.terminate(r) })
}

// terminate sends SIGTERM to the worker's group and SIGKILL once the grace
// period runs out. A worker that has not started yet is simply cancelled.
func (s *Supervisor) terminate(r *run) {
	s.mu.Lock()
	cmd := r.cmd
	s.mu.Unlock()
	if cmd == nil {
		r.cancel()
		return
	}
	if err := terminateProcess(cmd); err != nil {
		log.Debug().Err(err).Str("session_id", r.sessionID).Msg("signal worker")
	}
	select {
	case <-r.exited:
	case <-time.After(s.grace()):
		log.Warn().Str("session_id", r.sessionID).Dur("grace", s.grace()).Msg("worker ignored SIGTERM, killing")
		r.cancel()
	}
}

// Stop ends a session's run and waits until it is finalized. cancel marks
// the session stopped rather than failed. Stopping a finished session
// returns it unchanged; a non-terminal session with no worker, such as one
// orphaned by a restart, is finalized directly.
func (s *Supervisor) Stop(ctx context.Context, sessionID string, cancel bool) (*models.Session, error) {
	reason := "worker stopped"
	if cancel {
		reason = "stopped by request"
	}
	inputs := map[string]interface{}{"session_id": sessionID, "cancel": cancel}

	s.mu.Lock()
	r := s.runs[sessionID]
	s.mu.Unlock()
	if r != nil {
		s.requestStop(r, cancel, reason)
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}
		s.deps.PDR.Note(ctx, audit.ActionSessionStop, inputs, audit.OutcomeOK, sessionID, string(r.result.Status))
		return r.result, nil
	}

	session, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	if session.Status.IsTerminal() {
		return session, nil
	}
	session, err = s.finalizeOrphan(ctx, session, orchestrator.Exit{Stopped: cancel, ExitCode: -1, Reason: reason})
	if err != nil {
		s.deps.PDR.Note(ctx, audit.ActionSessionStop, inputs, audit.OutcomeFailed, sessionID, err.Error())
		return nil, err
	}
	s.deps.PDR.Note(ctx, audit.ActionSessionStop, inputs, audit.OutcomeOK, sessionID, string(session.Status))
	return session, nil
}

func (s *Supervisor) finalizeOrphan(ctx context.Context, session *models.Session, exit orchestrator.Exit) (*models.Session, error) {
	agents, err := s.deps.Store.ListAgents(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return orchestrator.NewPipeline(s.deps, session, agents).Finalize(ctx, exit)
}

// Pause suspends a streaming worker and marks the session paused.
func (s *Supervisor) Pause(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.signalRun(ctx, sessionID, models.SessionStatusPaused, models.SessionStatusRunning, suspendProcess, audit.ActionSessionPause)
}

// Resume continues a paused worker and marks the session running.
func (s *Supervisor) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.signalRun(ctx, sessionID, models.SessionStatusRunning, models.SessionStatusPaused, resumeProcess, audit.ActionSessionResume)
}

func (s *Supervisor) signalRun(ctx context.Context, sessionID string, to, from models.SessionStatus,
	signal func(*exec.Cmd) error, action string) (*models.Session, error) {
	s.mu.Lock()
	var cmd *exec.Cmd
	if r := s.runs[sessionID]; r != nil && r.state == StateStreaming {
		cmd = r.cmd
	}
	s.mu.Unlock()
	if cmd == nil {
		return nil, ErrNotRunning
	}

	session, err := s.deps.Store.UpdateSessionStatus(ctx, sessionID, to)
	if err != nil {
		return nil, err
	}
	if err := signal(cmd); err != nil {
		if _, rerr := s.deps.Store.UpdateSessionStatus(ctx, sessionID, from); rerr != nil {
			log.Warn().Err(rerr).Str("session_id", sessionID).Msg("revert session status")
		}
		s.deps.PDR.Note(ctx, action, map[string]string{"session_id": sessionID}, audit.OutcomeFailed, sessionID, err.Error())
		return nil, fmt.Errorf("signal worker: %w", err)
	}
	s.deps.PDR.Note(ctx, action, map[string]string{"session_id": sessionID}, audit.OutcomeOK, sessionID, "")
	log.Info().Str("session_id", sessionID).Str("status", string(to)).Msg("worker signalled")
	return session, nil
}

// IsActive reports whether a session has a queued or running worker.
func (s *Supervisor) IsActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// Pipeline returns the live pipeline of a session, or a fresh one for a
// session without a worker. Changes through a fresh pipeline on a finished
// session fail with store.ErrSessionTerminal.
func (s *Supervisor) Pipeline(ctx context.Context, sessionID string) (*orchestrator.Pipeline, error) {
	s.mu.Lock()
	r := s.runs[sessionID]
	s.mu.Unlock()
	if r != nil {
		return r.pipeline, nil
	}
	session, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrNotFound
	}
	agents, err := s.deps.Store.ListAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewPipeline(s.deps, session, agents), nil
}

// Stats reports pool usage.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: s.active, Queued: s.queued, Max: s.slots}
}

// RecoverOrphans fails every non-terminal session that has no worker. It is
// meant for daemon start, when no worker from a previous process survives.
func (s *Supervisor) RecoverOrphans(ctx context.Context) (int, error) {
	sessions, err := s.deps.Store.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range sessions {
		session := &sessions[i]
		if s.IsActive(session.ID) {
			continue
		}
		reason := "daemon restarted while the session was active"
		if _, err := s.finalizeOrphan(ctx, session, orchestrator.Exit{ExitCode: -1, Reason: reason}); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("recover orphaned session")
			s.deps.PDR.Note(ctx, audit.ActionSessionRecover, map[string]string{"session_id": session.ID}, audit.OutcomeFailed, session.ID, err.Error())
			continue
		}
		s.deps.PDR.Note(ctx, audit.ActionSessionRecover, map[string]string{"session_id": session.ID}, audit.OutcomeOK, session.ID, reason)
		n++
	}
	if n > 0 {
		log.Warn().Int("sessions", n).Msg("failed orphaned sessions")
	}
	return n, nil
}

// Shutdown stops every run and waits for them to finalize.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		s.requestStop(r, false, "daemon shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
