package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

// fakeAPI serves a finished two-event session.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.Session{ID: "s1", Status: models.SessionStatusRunning, Prompt: "Build a todo API with tests"})
	})
	mux.HandleFunc("/sessions/s1/agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.Agent{{ID: "a1", Name: "Backend Specialist", Status: models.AgentStatusIdle}})
	})
	mux.HandleFunc("/sessions/s1/work-packages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.WorkPackage{{ID: "WP001", Title: "API", Status: models.WorkPackagePending}})
	})
	mux.HandleFunc("/sessions/s1/stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.Session{ID: "s1", Status: models.SessionStatusStopped})
	})
	mux.HandleFunc("/sessions/s1/work-packages/WP001/retry", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "WP001 is completed, only failed packages can be retried"})
	})
	mux.Handle("/ws", websocket.Handler(func(ws *websocket.Conn) {
		var req controlplane.WSRequest
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			return
		}
		if req.SessionID != "s1" {
			_ = websocket.JSON.Send(ws, controlplane.WSMessage{Type: "error", Error: "record not found"})
			return
		}
		_ = websocket.JSON.Send(ws, controlplane.WSMessage{Type: "subscribed", SessionID: "s1"})
		events := []models.AgentEvent{
			{SessionID: "s1", AgentID: "a1", Type: models.EventTaskStarted, Sequence: 1,
				Payload: models.TaskStartedPayload{Task: "WP001", WorkPackageID: "WP001"}},
			{SessionID: "s1", AgentID: "a1", Type: models.EventStepSuccess, Sequence: 2,
				Payload: models.StepSuccessPayload{Task: "WP001", WorkPackageID: "WP001"}},
			{SessionID: "s1", Type: models.EventSessionComplete, Sequence: 3,
				Payload: models.SessionCompletePayload{Status: models.SessionStatusCompleted, FilesCreated: 2}},
		}
		for _, ev := range events {
			if ev.Sequence <= req.AfterSequence {
				continue
			}
			ev := ev
			if err := websocket.JSON.Send(ws, controlplane.WSMessage{Type: "agent_event", SessionID: "s1", Event: &ev}); err != nil {
				return
			}
		}
		_ = websocket.JSON.Send(ws, controlplane.WSMessage{Type: "subscription_closed", SessionID: "s1"})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSubscribe(t *testing.T) {
	srv := fakeAPI(t)
	c := NewClient(srv.URL)

	stream, err := c.Subscribe(context.Background(), "s1", 1)
	require.NoError(t, err)

	var seqs []int64
	for ev := range stream.Events {
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []int64{2, 3}, seqs)
	assert.NoError(t, stream.Err())
}

func TestClientSubscribeUnknownSession(t *testing.T) {
	srv := fakeAPI(t)
	stream, err := NewClient(srv.URL).Subscribe(context.Background(), "nope", 0)
	require.NoError(t, err)
	for range stream.Events {
	}
	assert.ErrorContains(t, stream.Err(), "record not found")
}

func TestClientAPIError(t *testing.T) {
	srv := fakeAPI(t)
	_, err := NewClient(srv.URL).RetryWorkPackage("s1", "WP001")
	assert.ErrorContains(t, err, "only failed packages can be retried")
}

// drive feeds msg to the app and runs the returned commands until none are
// left, skipping ticks and batches the model does not need in tests.
func drive(t *testing.T, a *App, msg tea.Msg) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for msg != nil {
		require.True(t, time.Now().Before(deadline), "model did not settle")
		_, cmd := a.Update(msg)
		if cmd == nil {
			return
		}
		msg = cmd()
		switch msg.(type) {
		case tea.BatchMsg, reconnectMsg:
			return
		}
	}
}

func TestAppFollowsSessionToCompletion(t *testing.T) {
	srv := fakeAPI(t)
	a := New(srv.URL, "s1")
	t.Cleanup(a.cancel)
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	drive(t, a, a.loadSnapshot()())

	require.NotNil(t, a.state)
	assert.True(t, a.state.Done)
	assert.Equal(t, models.SessionStatusCompleted, a.state.Session.Status)
	assert.Equal(t, models.WorkPackageCompleted, a.state.Packages[0].Status)
	assert.Equal(t, int64(3), a.state.LastSeq)
	assert.False(t, a.live)

	view := a.View()
	assert.Contains(t, view, "CONDUCTOR")
	assert.Contains(t, view, "Backend Specialist")
	assert.Contains(t, view, "WP001")
	assert.Contains(t, view, "completed")
}

func TestAppCommands(t *testing.T) {
	srv := fakeAPI(t)
	a := New(srv.URL, "s1")
	t.Cleanup(a.cancel)

	msg := a.executeCommand("/stop")()
	res, ok := msg.(commandResultMsg)
	require.True(t, ok, "%T", msg)
	assert.Contains(t, res.message, "stopped")

	msg = a.executeCommand("retry WP001")()
	e, ok := msg.(errMsg)
	require.True(t, ok, "%T", msg)
	assert.Contains(t, e.err.Error(), "only failed")

	assert.Nil(t, a.executeCommand("retry"))
	assert.True(t, strings.HasPrefix(a.message, "Error"))

	assert.Nil(t, a.executeCommand("follow"))
	assert.False(t, a.follow)

	assert.Nil(t, a.executeCommand("dance"))
	assert.Contains(t, a.message, "unknown command")
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()
	s.Update("/re")
	require.True(t, s.IsVisible())
	assert.Equal(t, "resume", s.Selected().Text)
	s.Next()
	assert.Equal(t, "retry", s.Selected().Text)
	assert.Equal(t, "retry ", s.Complete())

	s.SetPackages([]string{"WP001", "WP002"})
	s.Update("@2")
	require.True(t, s.IsVisible())
	assert.Equal(t, "retry WP002", s.Complete())

	s.Update("stop")
	assert.False(t, s.IsVisible())
	assert.Nil(t, s.Selected())
}
