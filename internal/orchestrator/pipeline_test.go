package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/artifacts"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/sequencer"
	"github.com/fentz26/conductor/internal/store"
	"github.com/stretchr/testify/suite"
)

type PipelineSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.Store
	hub     *fanout.Hub
	deps    Deps
	session *models.Session
	agents  []models.Agent
	halts   []string
	p       *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	st, err := store.New(filepath.Join(s.T().TempDir(), "test.db"))
	s.Require().NoError(err)
	s.store = st
	s.hub = fanout.New(fanout.DefaultConfig())
	pdr := audit.NewPDRWriter(st)
	s.deps = Deps{
		Store:     st,
		Recorder:  NewRecorder(st, sequencer.New(st), s.hub),
		Scheduler: scheduler.New(st, pdr, &scheduler.Config{BatchSize: 3}),
		PDR:       pdr,
		Artifacts: artifacts.DefaultConfig(),
	}

	s.session, s.agents, err = st.CreateSession(s.ctx, store.CreateSessionParams{
		Prompt:     "Build a REST API for a library catalogue",
		OutputRoot: s.T().TempDir(),
		Roster:     DefaultRoster(),
	})
	s.Require().NoError(err)
	s.Require().NoError(os.MkdirAll(s.session.OutputDir, 0o755))
	_, err = st.UpdateSessionStatus(s.ctx, s.session.ID, models.SessionStatusAnalyzing)
	s.Require().NoError(err)

	s.halts = nil
	s.p = NewPipeline(s.deps, s.session, s.agents)
	s.p.OnHalt(func(reason string) { s.halts = append(s.halts, reason) })
}

func (s *PipelineSuite) TearDownTest() {
	s.hub.Close()
	s.store.Close()
}

func (s *PipelineSuite) agentID(role string) string {
	for _, a := range s.agents {
		if a.Role == role {
			return a.ID
		}
	}
	s.FailNow("no agent with role " + role)
	return ""
}

func (s *PipelineSuite) writeOutput(rel, content string) {
	p := filepath.Join(s.session.OutputDir, filepath.FromSlash(rel))
	s.Require().NoError(os.MkdirAll(filepath.Dir(p), 0o755))
	s.Require().NoError(os.WriteFile(p, []byte(content), 0o644))
}

func (s *PipelineSuite) events() []models.AgentEvent {
	events, err := s.store.ListEvents(s.ctx, s.session.ID, 0, 0)
	s.Require().NoError(err)
	for i, ev := range events {
		s.Require().Equal(int64(i+1), ev.Sequence, "sequence must be gap-free")
	}
	return events
}

func (s *PipelineSuite) ofType(t models.EventType) []models.AgentEvent {
	var out []models.AgentEvent
	for _, ev := range s.events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *PipelineSuite) line(text string) {
	s.p.HandleLine(s.ctx, "stdout", text)
}

const planJSON = `{"work_packages": [
  {"package_id": "WP001", "agent": "backend_engineer", "title": "Models", "dependencies": []},
  {"package_id": "WP002", "agent": "qa_engineer", "title": "Tests", "dependencies": ["WP001"], "priority": "HIGH"}
]}`

func (s *PipelineSuite) TestUnrecognizedLineIsDebugLog() {
	s.p.HandleLine(s.ctx, "stderr", "something odd happened")

	logs := s.ofType(models.EventLog)
	s.Require().Len(logs, 1)
	s.Equal(models.LogPayload{Level: models.LevelDebug, Message: "something odd happened", Stream: "stderr"}, logs[0].Payload)
	s.Empty(logs[0].AgentID)
}

func (s *PipelineSuite) TestTaskLifecycle() {
	backend := s.agentID("backend_specialist")
	s.line("2024-05-01 10:00:00,000 - backend_specialist - INFO - Created task: T1 - build models")
	s.line("Started task: T1")
	s.line("[backend_specialist] progress: 40% halfway")
	s.line("[backend_specialist] progress: 20% backwards")
	s.line("Completed task: T1")

	agent, err := s.store.GetAgent(s.ctx, backend)
	s.Require().NoError(err)
	s.Equal(models.AgentStatusSucceeded, agent.Status)
	s.Equal(100, agent.Progress)

	session, err := s.store.GetSession(s.ctx, s.session.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStatusRunning, session.Status)

	progress := s.ofType(models.EventProgress)
	s.Require().Len(progress, 2)
	s.Equal(40, progress[1].Payload.(models.ProgressPayload).Percent, "progress never moves backwards")

	started := s.ofType(models.EventTaskStarted)
	s.Require().Len(started, 1)
	s.Equal(backend, started[0].AgentID, "task agent falls back to the creator")
	s.Len(s.ofType(models.EventStepSuccess), 1)
}

func (s *PipelineSuite) TestPlanDrivesWorkPackages() {
	s.writeOutput(PlanFile, planJSON)
	backend := s.agentID("backend_specialist")
	qa := s.agentID("qa_specialist")

	s.line("2024-05-01 10:00:00,000 - coding_team - INFO - Problem analysis completed: 2 work packages created")

	wp1, err := s.store.GetWorkPackage(s.ctx, s.session.ID, "WP001")
	s.Require().NoError(err)
	s.Equal(models.WorkPackageInProgress, wp1.Status)
	s.Equal(backend, wp1.AssignedAgentID)
	wp2, err := s.store.GetWorkPackage(s.ctx, s.session.ID, "WP002")
	s.Require().NoError(err)
	s.Equal(models.WorkPackagePending, wp2.Status)
	s.Equal(2, wp2.Priority)

	s.writeOutput("src/models.py", "class Book: pass\n")
	s.line("INFO:backend_specialist:File written: src/models.py")
	s.line("Package WP001 completed successfully by Backend Specialist")

	wp1, err = s.store.GetWorkPackage(s.ctx, s.session.ID, "WP001")
	s.Require().NoError(err)
	s.Equal(models.WorkPackageCompleted, wp1.Status)
	s.Equal([]string{"src/models.py"}, wp1.Artifacts)

	wp2, err = s.store.GetWorkPackage(s.ctx, s.session.ID, "WP002")
	s.Require().NoError(err)
	s.Equal(models.WorkPackageInProgress, wp2.Status)
	s.Equal(qa, wp2.AssignedAgentID)

	agent, err := s.store.GetAgent(s.ctx, backend)
	s.Require().NoError(err)
	s.Equal(models.AgentStatusSucceeded, agent.Status)
	s.Equal(1, agent.FilesCreated)

	s.line("Package WP002 completed")
	session, err := s.p.Finalize(s.ctx, Exit{ExitCode: 0, StartedAt: time.Now().Add(-time.Second)})
	s.Require().NoError(err)
	s.Equal(models.SessionStatusCompleted, session.Status)
	s.Equal(2, session.WorkPackagesCompleted)
	s.Equal(1, session.FilesCreated)
	s.Equal(2, session.Metrics.CompletedTasks)
	s.InDelta(1.0, session.Metrics.SuccessRate, 0.001)
	s.Greater(session.DurationSec, 0.0)

	events := s.events()
	last := events[len(events)-1]
	s.Equal(models.EventSessionComplete, last.Type)
	s.Len(s.ofType(models.EventSessionComplete), 1)
	s.Len(s.ofType(models.EventArtifact), 1)

	pdrs, err := s.store.ListPDRs(s.ctx, s.session.ID, 0)
	s.Require().NoError(err)
	actions := map[string]bool{}
	for _, e := range pdrs {
		actions[e.Action] = true
	}
	s.True(actions[audit.ActionPlanLoad])
	s.True(actions[audit.ActionPackagesRelease])
	s.True(actions[audit.ActionSessionFinalize])
}

func (s *PipelineSuite) TestCompletionBeforeDependenciesIsIgnored() {
	s.writeOutput(PlanFile, planJSON)
	s.line("Problem analysis completed: 2 work packages created")
	s.line("Package WP002 completed successfully by QA Engineer")

	wp2, err := s.store.GetWorkPackage(s.ctx, s.session.ID, "WP002")
	s.Require().NoError(err)
	s.Equal(models.WorkPackagePending, wp2.Status)
	s.Empty(s.ofType(models.EventStepSuccess))

	var warned bool
	for _, ev := range s.ofType(models.EventLog) {
		p := ev.Payload.(models.LogPayload)
		if p.Level == models.LevelWarn && strings.Contains(p.Message, "WP002") {
			warned = true
		}
	}
	s.True(warned)
}

func (s *PipelineSuite) TestDurationCountsFromCreation() {
	created := *s.session
	created.CreatedAt = time.Now().Add(-2 * time.Second)
	p := NewPipeline(s.deps, &created, s.agents)

	session, err := p.Finalize(s.ctx, Exit{ExitCode: 0, StartedAt: time.Now()})
	s.Require().NoError(err)
	s.GreaterOrEqual(session.DurationSec, 2.0)

	complete := s.ofType(models.EventSessionComplete)
	s.Require().Len(complete, 1)
	s.Equal(session.DurationSec, complete[0].Payload.(models.SessionCompletePayload).DurationSec)
}

func (s *PipelineSuite) TestFailedPackageStallsPlan() {
	s.writeOutput(PlanFile, planJSON)
	s.line("Problem analysis completed: 2 work packages created")
	s.line("Failed to execute package WP001: model timed out")

	errs := s.ofType(models.EventStepError)
	s.Require().Len(errs, 1)
	s.Equal("model timed out", errs[0].Payload.(models.StepErrorPayload).Reason)

	wp2, err := s.store.GetWorkPackage(s.ctx, s.session.ID, "WP002")
	s.Require().NoError(err)
	s.Equal(models.WorkPackagePending, wp2.Status, "failure does not cascade")

	session, err := s.p.Finalize(s.ctx, Exit{ExitCode: 0})
	s.Require().NoError(err)
	s.Equal(models.SessionStatusFailed, session.Status)
	s.Contains(session.Error, "stalled")
}

func (s *PipelineSuite) TestRetryReleasesAgain() {
	s.writeOutput(PlanFile, planJSON)
	s.line("Problem analysis completed: 2 work packages created")
	s.line("Failed to execute package WP001: flaky")

	wp, err := s.p.Retry(s.ctx, "WP001")
	s.Require().NoError(err)
	s.Equal(models.WorkPackageInProgress, wp.Status)

	_, err = s.p.Retry(s.ctx, "WP002")
	s.ErrorIs(err, store.ErrInvalidTransition)
}

func (s *PipelineSuite) TestCyclicPlanHaltsRun() {
	s.writeOutput(PlanFile, `[{"package_id":"WP001","dependencies":["WP002"]},{"package_id":"WP002","dependencies":["WP001"]}]`)
	s.line("Problem analysis completed: 2 work packages created")

	s.Require().Len(s.halts, 1)
	s.Contains(s.halts[0], "cycle")
	s.Require().Len(s.ofType(models.EventStepError), 1)

	pkgs, err := s.store.ListWorkPackages(s.ctx, s.session.ID)
	s.Require().NoError(err)
	s.Empty(pkgs)

	session, err := s.p.Finalize(s.ctx, Exit{ExitCode: -1})
	s.Require().NoError(err)
	s.Equal(models.SessionStatusFailed, session.Status)
	s.Contains(session.Error, "cycle")
}

func (s *PipelineSuite) TestMissingPlanIsWarning() {
	s.line("Problem analysis completed: 3 work packages created")
	logs := s.ofType(models.EventLog)
	s.Require().Len(logs, 1)
	s.Equal(models.LevelWarn, logs[0].Payload.(models.LogPayload).Level)
	s.Empty(s.halts)
}

func (s *PipelineSuite) TestTraversalPathIsRejected() {
	s.line("File written: ../../etc/passwd")
	s.Empty(s.ofType(models.EventArtifact))
	s.Require().Len(s.ofType(models.EventLog), 1)

	artifacts, err := s.store.ListArtifacts(s.ctx, s.session.ID, true)
	s.Require().NoError(err)
	s.Empty(artifacts)
}

func (s *PipelineSuite) TestFinalizeReconcilesAndStops() {
	backend := s.agentID("backend_specialist")
	s.line("INFO:backend_specialist:Started task: T1")
	s.writeOutput("README.md", "# hi\n")
	s.writeOutput("src/main.py", "print(1)\n")
	s.line("File written: src/main.py")

	session, err := s.p.Finalize(s.ctx, Exit{Stopped: true, ExitCode: -1})
	s.Require().NoError(err)
	s.Equal(models.SessionStatusStopped, session.Status)
	s.Equal(2, session.FilesCreated)

	agent, err := s.store.GetAgent(s.ctx, backend)
	s.Require().NoError(err)
	s.Equal(models.AgentStatusFailed, agent.Status)

	var sources []string
	for _, ev := range s.ofType(models.EventArtifact) {
		sources = append(sources, ev.Payload.(models.ArtifactPayload).Source)
	}
	s.ElementsMatch([]string{SourceWorker, SourceReconcile}, sources)

	complete := s.ofType(models.EventSessionComplete)
	s.Require().Len(complete, 1)
	s.Equal(models.SessionStatusStopped, complete[0].Payload.(models.SessionCompletePayload).Status)

	again, err := s.p.Finalize(s.ctx, Exit{ExitCode: 0})
	s.Require().NoError(err)
	s.Equal(models.SessionStatusStopped, again.Status)
	s.Len(s.ofType(models.EventSessionComplete), 1, "exactly one SESSION_COMPLETE")
}

func (s *PipelineSuite) TestLiveSubscriberSeesSameLog() {
	sub, err := s.hub.SubscribeFrom(s.ctx, s.session.ID, 0, s.store)
	s.Require().NoError(err)

	s.line("Created task: T1")
	s.line("noise")
	_, err = s.p.Finalize(s.ctx, Exit{})
	s.Require().NoError(err)

	var got []models.AgentEvent
	for ev := range sub.C {
		got = append(got, ev)
	}
	stored := s.events()
	s.Require().Len(got, len(stored))
	for i := range stored {
		s.Equal(stored[i].ID, got[i].ID)
	}
}
