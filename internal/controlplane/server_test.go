package controlplane

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/conductor/internal/artifacts"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/fanout"
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/sequencer"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/net/websocket"
)

const validPrompt = "Build a REST API for a todo list with tests"

// sleepyWorker announces one task and then idles until it is stopped.
const sleepyWorker = `echo "2024-01-01 00:00:00,000 - lead - INFO - Created task: T1 - Backend"; exec sleep 30`

type ServerSuite struct {
	suite.Suite
	store    *store.Store
	hub      *fanout.Hub
	recorder *orchestrator.Recorder
	sup      *supervisor.Supervisor
	service  *Service
	http     *httptest.Server
	root     string
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	t := s.T()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	s.Require().NoError(err)
	s.store = st
	s.hub = fanout.New(fanout.DefaultConfig())
	s.root = t.TempDir()

	pdr := audit.NewPDRWriter(st)
	s.recorder = orchestrator.NewRecorder(st, sequencer.New(st), s.hub)
	sched := scheduler.New(st, pdr, scheduler.DefaultConfig())
	deps := orchestrator.Deps{
		Store:     st,
		Recorder:  s.recorder,
		Scheduler: sched,
		PDR:       pdr,
		Artifacts: artifacts.DefaultConfig(),
	}
	s.sup = supervisor.New(deps, &supervisor.Config{
		Command:       "sh",
		Args:          []string{"-c", sleepyWorker, "worker"},
		OutputRoot:    s.root,
		StopGrace:     2 * time.Second,
		MaxConcurrent: 2,
	})
	s.service = NewService(st, pdr, s.sup, s.recorder, sched, s.root, "test")
	s.http = httptest.NewServer(NewServer(s.service, "").Handler())
}

func (s *ServerSuite) TearDownTest() {
	s.http.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.sup.Shutdown(ctx)
	s.hub.Close()
	s.store.Close()
}

func (s *ServerSuite) do(method, path string, body interface{}) (*http.Response, []byte) {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		s.Require().NoError(err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.http.URL+path, r)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, data
}

func (s *ServerSuite) decode(data []byte, v interface{}) {
	s.Require().NoError(json.Unmarshal(data, v), string(data))
}

// idleSession creates a session without launching a worker.
func (s *ServerSuite) idleSession() *models.Session {
	session, _, err := s.store.CreateSession(context.Background(), store.CreateSessionParams{
		Prompt:     validPrompt,
		OutputRoot: s.root,
		Roster:     orchestrator.DefaultRoster(),
	})
	s.Require().NoError(err)
	return session
}

func (s *ServerSuite) emitLogs(sessionID string, n int) {
	for i := 0; i < n; i++ {
		_, err := s.recorder.Emit(context.Background(), sessionID, "", models.LogPayload{Level: models.LevelInfo, Message: "line"})
		s.Require().NoError(err)
	}
}

func (s *ServerSuite) TestHealth() {
	resp, data := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	var h Health
	s.decode(data, &h)
	s.True(h.OK)
	s.Equal("ok", h.DB)
	s.Equal("test", h.Version)
	s.Equal(2, h.Workers.Max)
	s.EqualValues(scheduler.DefaultConfig().BatchSize, h.Scheduler["batch_size"])
}

func (s *ServerSuite) TestCreateSessionValidatesPrompt() {
	resp, _ := s.do(http.MethodPost, "/sessions", createSessionRequest{Prompt: "too short"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions", createSessionRequest{Prompt: strings.Repeat("x", MaxPromptLen+1)})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions", "{not json")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	sessions, err := s.store.ListSessions(context.Background(), "")
	s.Require().NoError(err)
	s.Empty(sessions, "rejected prompts never create a session")
}

func (s *ServerSuite) TestCreateGetAndStopSession() {
	resp, data := s.do(http.MethodPost, "/sessions", createSessionRequest{Prompt: validPrompt, IncludeTests: true})
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(data))

	var created models.Session
	s.decode(data, &created)
	s.NotEmpty(created.ID)
	s.True(created.Options.IncludeTests)
	s.False(created.Status.IsTerminal())

	resp, data = s.do(http.MethodGet, "/sessions/"+created.ID, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	var got models.Session
	s.decode(data, &got)
	s.Equal(created.ID, got.ID)

	resp, data = s.do(http.MethodGet, "/sessions/"+created.ID+"/agents", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	var agents []models.Agent
	s.decode(data, &agents)
	s.Len(agents, len(orchestrator.DefaultRoster()))

	s.Eventually(func() bool {
		return s.countEvents(created.ID, models.EventTaskCreated) == 1
	}, 10*time.Second, 20*time.Millisecond)

	resp, data = s.do(http.MethodPost, "/sessions/"+created.ID+"/stop", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(data))
	var stopped models.Session
	s.decode(data, &stopped)
	s.Equal(models.SessionStatusStopped, stopped.Status)

	resp, data = s.do(http.MethodPost, "/sessions/"+created.ID+"/stop", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.decode(data, &stopped)
	s.Equal(models.SessionStatusStopped, stopped.Status)
	s.Equal(1, s.countEvents(created.ID, models.EventSessionComplete))

	resp, data = s.do(http.MethodGet, "/sessions?status=stopped", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	var list []models.Session
	s.decode(data, &list)
	s.Len(list, 1)
}

func (s *ServerSuite) countEvents(sessionID string, t models.EventType) int {
	events, err := s.store.ListEvents(context.Background(), sessionID, 0, 0)
	s.Require().NoError(err)
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (s *ServerSuite) TestNotFoundAndBadStatus() {
	resp, _ := s.do(http.MethodGet, "/sessions/nope", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions/nope/stop", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/sessions/nope/events", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/sessions?status=sleeping", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServerSuite) TestPauseWithoutWorkerConflicts() {
	session := s.idleSession()
	resp, _ := s.do(http.MethodPost, "/sessions/"+session.ID+"/pause", nil)
	s.Equal(http.StatusConflict, resp.StatusCode)
	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/resume", nil)
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *ServerSuite) TestEventPaging() {
	session := s.idleSession()
	s.emitLogs(session.ID, 5)

	resp, data := s.do(http.MethodGet, "/sessions/"+session.ID+"/events?after=0&limit=2", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var page EventPage
	s.decode(data, &page)
	s.Len(page.Events, 2)
	s.True(page.HasMore)
	s.Equal(int64(2), page.NextAfter)
	s.Equal(int64(1), page.Events[0].Sequence)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/events?after=4", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	page = EventPage{}
	s.decode(data, &page)
	s.Len(page.Events, 1)
	s.False(page.HasMore)
	s.Equal(int64(5), page.NextAfter)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/events?after=5", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	page = EventPage{}
	s.decode(data, &page)
	s.NotNil(page.Events)
	s.Empty(page.Events)
	s.Equal(int64(5), page.NextAfter)

	resp, _ = s.do(http.MethodGet, "/sessions/"+session.ID+"/events?after=abc", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServerSuite) TestWorkPackagesAndRetry() {
	session := s.idleSession()
	plan := `{"work_packages": [
		{"package_id": "WP001", "title": "API", "agent": "backend_engineer"},
		{"package_id": "WP002", "title": "Tests", "agent": "qa_engineer", "dependencies": ["WP001"]}
	]}`
	resp, data := s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages", plan)
	s.Require().Equal(http.StatusCreated, resp.StatusCode, string(data))

	var packages []models.WorkPackage
	s.decode(data, &packages)
	s.Require().Len(packages, 2)
	s.Equal(models.WorkPackageInProgress, packages[0].Status)
	s.Equal(models.WorkPackagePending, packages[1].Status)

	cyclic := `[{"id": "WP003", "dependencies": ["WP004"]}, {"id": "WP004", "dependencies": ["WP003"]}]`
	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages", cyclic)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	dangling := `[{"id": "WP005", "dependencies": ["WP404"]}]`
	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages", dangling)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages", "[]")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages/WP001/retry", nil)
	s.Equal(http.StatusConflict, resp.StatusCode, "only failed packages can be retried")

	resp, _ = s.do(http.MethodPost, "/sessions/"+session.ID+"/work-packages/WP999/retry", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/work-packages", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.decode(data, &packages)
	s.Len(packages, 2)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/plan", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var view Plan
	s.decode(data, &view)
	s.Equal(scheduler.OutcomeActive, view.Outcome)
	s.Equal(scheduler.DefaultConfig().BatchSize, view.BatchSize)
	s.Len(view.Packages, 2)

	resp, _ = s.do(http.MethodGet, "/sessions/missing/plan", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerSuite) TestArtifactsAndExport() {
	ctx := context.Background()
	session := s.idleSession()
	s.Require().NoError(os.MkdirAll(filepath.Join(session.OutputDir, "src"), 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(session.OutputDir, "src", "big.bin"), []byte("hello"), 0o644))

	first, _, err := s.store.SaveArtifact(ctx, models.Artifact{
		SessionID: session.ID, FilePath: "main.py", Content: "print(1)\n", Size: 9, Checksum: "a", Language: "python",
	}, "")
	s.Require().NoError(err)
	_, _, err = s.store.SaveArtifact(ctx, models.Artifact{
		SessionID: session.ID, FilePath: "main.py", Content: "print(2)\n", Size: 9, Checksum: "b", Language: "python",
	}, "")
	s.Require().NoError(err)
	_, _, err = s.store.SaveArtifact(ctx, models.Artifact{
		SessionID: session.ID, FilePath: "src/big.bin", Size: 5, Checksum: "c",
	}, "")
	s.Require().NoError(err)

	resp, data := s.do(http.MethodGet, "/sessions/"+session.ID+"/artifacts", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var latest []models.Artifact
	s.decode(data, &latest)
	s.Len(latest, 2)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/artifacts?all=true", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var all []models.Artifact
	s.decode(data, &all)
	s.Len(all, 3)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/artifacts/"+first.ID, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var a models.Artifact
	s.decode(data, &a)
	s.Equal(1, a.Version)
	s.Equal("print(1)\n", a.Content)

	other := s.idleSession()
	resp, _ = s.do(http.MethodGet, "/sessions/"+other.ID+"/artifacts/"+first.ID, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, data = s.do(http.MethodGet, "/sessions/"+session.ID+"/export", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("application/zip", resp.Header.Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	s.Require().NoError(err)
	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		s.Require().NoError(err)
		body, err := io.ReadAll(rc)
		rc.Close()
		s.Require().NoError(err)
		files[f.Name] = string(body)
	}
	s.Equal(map[string]string{"main.py": "print(2)\n", "src/big.bin": "hello"}, files)
}

func (s *ServerSuite) TestPublishRejectsReservedAndUnknown() {
	session := s.idleSession()
	ctx := context.Background()

	_, err := s.service.Publish(ctx, session.ID, PublishRequest{
		Type:    models.EventSessionComplete,
		Payload: json.RawMessage(`{"status":"completed"}`),
	})
	s.ErrorIs(err, ErrInvalidEvent)

	_, err = s.service.Publish(ctx, session.ID, PublishRequest{Type: "NOPE", Payload: json.RawMessage(`{}`)})
	s.ErrorIs(err, ErrInvalidEvent)

	_, err = s.service.Publish(ctx, session.ID, PublishRequest{
		Type: models.EventLog, AgentID: "ghost", Payload: json.RawMessage(`{"level":"INFO","message":"hi"}`),
	})
	s.ErrorIs(err, ErrInvalidEvent)

	ev, err := s.service.Publish(ctx, session.ID, PublishRequest{
		Type: models.EventLog, Payload: json.RawMessage(`{"level":"INFO","message":"hi"}`),
	})
	s.Require().NoError(err)
	s.Equal(int64(1), ev.Sequence)
}

func (s *ServerSuite) dialWS() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	ws, err := websocket.Dial(url, "", s.http.URL)
	s.Require().NoError(err)
	s.T().Cleanup(func() { ws.Close() })
	return ws
}

func (s *ServerSuite) receive(ws *websocket.Conn) WSMessage {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var msg WSMessage
	s.Require().NoError(websocket.JSON.Receive(ws, &msg))
	return msg
}

func (s *ServerSuite) TestWebSocketReplayThenLive() {
	session := s.idleSession()
	s.emitLogs(session.ID, 2)

	ws := s.dialWS()
	s.Require().NoError(websocket.JSON.Send(ws, map[string]interface{}{
		"type": "subscribe", "sessionId": session.ID, "after_sequence": 0,
	}))

	s.Equal(wsSubscribed, s.receive(ws).Type)
	for want := int64(1); want <= 2; want++ {
		msg := s.receive(ws)
		s.Require().Equal(wsAgentEvent, msg.Type)
		s.Equal(want, msg.Event.Sequence)
	}

	s.Require().NoError(websocket.JSON.Send(ws, map[string]interface{}{
		"type":       "publish",
		"session_id": session.ID,
		"event": map[string]interface{}{
			"type":    "LOG",
			"payload": map[string]string{"level": "INFO", "message": "from client"},
		},
	}))

	var published, live bool
	for !(published && live) {
		msg := s.receive(ws)
		switch msg.Type {
		case wsPublished:
			published = true
			s.Equal(int64(3), msg.Event.Sequence)
		case wsAgentEvent:
			live = true
			s.Equal(int64(3), msg.Event.Sequence)
			p, ok := msg.Event.Payload.(models.LogPayload)
			s.Require().True(ok)
			s.Equal("from client", p.Message)
		default:
			s.Failf("unexpected message", "%+v", msg)
			return
		}
	}
}

func (s *ServerSuite) TestWebSocketErrors() {
	ws := s.dialWS()

	s.Require().NoError(websocket.Message.Send(ws, "{oops"))
	msg := s.receive(ws)
	s.Equal(wsError, msg.Type)

	s.Require().NoError(websocket.JSON.Send(ws, map[string]string{"type": "subscribe"}))
	msg = s.receive(ws)
	s.Equal(wsError, msg.Type)

	s.Require().NoError(websocket.JSON.Send(ws, map[string]string{"type": "subscribe", "session_id": "nope"}))
	msg = s.receive(ws)
	s.Equal(wsError, msg.Type)
	s.Contains(msg.Error, "not found")

	s.Require().NoError(websocket.JSON.Send(ws, map[string]string{"type": "dance"}))
	msg = s.receive(ws)
	s.Equal(wsError, msg.Type)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{ErrInvalidPrompt, http.StatusBadRequest},
		{orchestrator.ErrInvalidPlan, http.StatusBadRequest},
		{store.ErrInvalidPath, http.StatusBadRequest},
		{store.ErrSessionTerminal, http.StatusConflict},
		{supervisor.ErrNotRunning, http.StatusConflict},
		{supervisor.ErrShuttingDown, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), tt.err.Error())
	}
	require.Equal(t, http.StatusNotFound, httpStatus(fmt.Errorf("session abc: %w", store.ErrNotFound)))
}
