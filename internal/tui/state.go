package tui

import (
	"fmt"
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 2000

// State is the monitor's picture of one session, rebuilt from a snapshot and
// then advanced event by event.
type State struct {
	Session  models.Session
	Agents   []models.Agent
	Packages []models.WorkPackage
	Files    []string
	Lines    []string
	LastSeq  int64
	Done     bool
}

// NewState starts from an API snapshot. Events already reflected in the
// snapshot are replayed from sequence zero so the log is complete; Apply
// keeps entity updates idempotent.
func NewState(session models.Session, agents []models.Agent, packages []models.WorkPackage) *State {
	return &State{
		Session:  session,
		Agents:   agents,
		Packages: packages,
		Done:     session.Status.IsTerminal(),
	}
}

func (s *State) agent(id string) *models.Agent {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

func (s *State) pkg(id string) *models.WorkPackage {
	for i := range s.Packages {
		if s.Packages[i].ID == id {
			return &s.Packages[i]
		}
	}
	return nil
}

func (s *State) agentName(id string) string {
	if a := s.agent(id); a != nil {
		return a.Name
	}
	return "conductor"
}

// Apply advances the state by one event. Events at or below LastSeq are
// ignored.
func (s *State) Apply(ev models.AgentEvent) {
	if ev.Sequence <= s.LastSeq {
		return
	}
	s.LastSeq = ev.Sequence
	a := s.agent(ev.AgentID)

	switch p := ev.Payload.(type) {
	case models.TaskCreatedPayload:
		s.log(ev, fmt.Sprintf("task %s created: %s", p.TaskID, p.Name))
	case models.TaskStartedPayload:
		if a != nil {
			a.Status = models.AgentStatusRunning
			a.CurrentStep = p.Task
			if p.WorkPackageID != "" {
				a.WorkPackageID = p.WorkPackageID
			}
		}
		if wp := s.pkg(p.WorkPackageID); wp != nil && wp.Status != models.WorkPackageCompleted {
			wp.Status = models.WorkPackageInProgress
			if a != nil {
				wp.AssignedAgentID = a.ID
			}
		}
		s.log(ev, "started "+p.Task)
	case models.ProgressPayload:
		if a != nil && p.Percent > a.Progress {
			a.Progress = p.Percent
			if p.Message != "" {
				a.CurrentStep = p.Message
			}
		}
		s.log(ev, fmt.Sprintf("progress %d%% %s", p.Percent, p.Message))
	case models.LogPayload:
		s.log(ev, fmt.Sprintf("[%s] %s", p.Level, p.Message))
	case models.ArtifactPayload:
		s.addFile(p.FilePath)
		s.log(ev, fmt.Sprintf("file %s (v%d)", p.FilePath, p.Version))
	case models.StepSuccessPayload:
		if wp := s.pkg(p.WorkPackageID); wp != nil {
			wp.Status = models.WorkPackageCompleted
		}
		if a != nil && !s.carrying(a.ID) {
			a.Status = models.AgentStatusSucceeded
			a.Progress = 100
		}
		s.log(ev, "completed "+p.Task)
	case models.StepErrorPayload:
		if wp := s.pkg(p.WorkPackageID); wp != nil {
			wp.Status = models.WorkPackageFailed
		}
		if a != nil {
			a.Status = models.AgentStatusFailed
		}
		s.log(ev, fmt.Sprintf("failed %s: %s", p.Task, p.Reason))
	case models.SessionCompletePayload:
		s.Session.Status = p.Status
		s.Session.DurationSec = p.DurationSec
		s.Session.FilesCreated = p.FilesCreated
		s.Session.Error = p.Reason
		s.Done = true
		msg := fmt.Sprintf("session %s in %.1fs, %d files", p.Status, p.DurationSec, p.FilesCreated)
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		s.log(ev, msg)
	default:
		s.log(ev, string(ev.Type))
	}

	if !s.Done && s.Session.Status == models.SessionStatusAnalyzing && ev.Type != models.EventLog {
		s.Session.Status = models.SessionStatusRunning
	}
}

// carrying reports whether an agent still has an unfinished package.
func (s *State) carrying(agentID string) bool {
	for _, wp := range s.Packages {
		if wp.AssignedAgentID == agentID && wp.Status == models.WorkPackageInProgress {
			return true
		}
	}
	return false
}

func (s *State) addFile(p string) {
	for _, f := range s.Files {
		if f == p {
			return
		}
	}
	s.Files = append(s.Files, p)
}

func (s *State) log(ev models.AgentEvent, msg string) {
	line := fmt.Sprintf("%s #%-4d %-26s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Sequence,
		truncate(s.agentName(ev.AgentID), 26), strings.TrimSpace(msg))
	s.Lines = append(s.Lines, line)
	if len(s.Lines) > maxLogLines {
		s.Lines = s.Lines[len(s.Lines)-maxLogLines:]
	}
}

// Completed counts finished packages.
func (s *State) Completed() int {
	n := 0
	for _, wp := range s.Packages {
		if wp.Status == models.WorkPackageCompleted {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
