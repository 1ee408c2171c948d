package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the payload schema of an AgentEvent.
type EventType string

const (
	EventTaskCreated     EventType = "TASK_CREATED"
	EventTaskStarted     EventType = "TASK_STARTED"
	EventProgress        EventType = "PROGRESS"
	EventLog             EventType = "LOG"
	EventArtifact        EventType = "ARTIFACT"
	EventStepSuccess     EventType = "STEP_SUCCESS"
	EventStepError       EventType = "STEP_ERROR"
	EventSessionComplete EventType = "SESSION_COMPLETE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTaskCreated, EventTaskStarted, EventProgress, EventLog,
		EventArtifact, EventStepSuccess, EventStepError, EventSessionComplete:
		return true
	}
	return false
}

// Payload is the type-specific body of an AgentEvent. Each event type has
// exactly one concrete payload struct.
type Payload interface {
	EventType() EventType
}

// AgentEvent is an immutable, sequenced fact about a session.
type AgentEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
	Payload   Payload   `json:"payload"`
}

// Log levels carried by LogPayload.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARNING"
	LevelError = "ERROR"
)

type TaskCreatedPayload struct {
	TaskID        string `json:"task_id"`
	Name          string `json:"name,omitempty"`
	WorkPackageID string `json:"work_package_id,omitempty"`
}

type TaskStartedPayload struct {
	Task          string `json:"task"`
	WorkPackageID string `json:"work_package_id,omitempty"`
}

type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type LogPayload struct {
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Stream    string `json:"stream,omitempty"`
}

type ArtifactPayload struct {
	ArtifactID string `json:"artifact_id"`
	FilePath   string `json:"file_path"`
	Size       int64  `json:"size"`
	Language   string `json:"language"`
	Checksum   string `json:"checksum"`
	Version    int    `json:"version"`
	Source     string `json:"source"`
}

type StepSuccessPayload struct {
	Task              string  `json:"task,omitempty"`
	WorkPackageID     string  `json:"work_package_id,omitempty"`
	CompletionTimeSec float64 `json:"completion_time_sec,omitempty"`
}

type StepErrorPayload struct {
	Task          string `json:"task,omitempty"`
	WorkPackageID string `json:"work_package_id,omitempty"`
	Reason        string `json:"reason"`
}

type SessionCompletePayload struct {
	Status       SessionStatus `json:"status"`
	ExitCode     int           `json:"exit_code"`
	DurationSec  float64       `json:"duration_sec"`
	FilesCreated int           `json:"files_created"`
	Reason       string        `json:"reason,omitempty"`
}

func (TaskCreatedPayload) EventType() EventType     { return EventTaskCreated }
func (TaskStartedPayload) EventType() EventType     { return EventTaskStarted }
func (ProgressPayload) EventType() EventType        { return EventProgress }
func (LogPayload) EventType() EventType             { return EventLog }
func (ArtifactPayload) EventType() EventType        { return EventArtifact }
func (StepSuccessPayload) EventType() EventType     { return EventStepSuccess }
func (StepErrorPayload) EventType() EventType       { return EventStepError }
func (SessionCompletePayload) EventType() EventType { return EventSessionComplete }

// DecodePayload parses raw JSON into the concrete payload for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventTaskCreated:
		p = &TaskCreatedPayload{}
	case EventTaskStarted:
		p = &TaskStartedPayload{}
	case EventProgress:
		p = &ProgressPayload{}
	case EventLog:
		p = &LogPayload{}
	case EventArtifact:
		p = &ArtifactPayload{}
	case EventStepSuccess:
		p = &StepSuccessPayload{}
	case EventStepError:
		p = &StepErrorPayload{}
	case EventSessionComplete:
		p = &SessionCompletePayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref returns payloads by value so decoded and constructed events compare
// equal.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TaskCreatedPayload:
		return *v
	case *TaskStartedPayload:
		return *v
	case *ProgressPayload:
		return *v
	case *LogPayload:
		return *v
	case *ArtifactPayload:
		return *v
	case *StepSuccessPayload:
		return *v
	case *StepErrorPayload:
		return *v
	case *SessionCompletePayload:
		return *v
	}
	return p
}

// UnmarshalJSON decodes an event, using the type field to pick the payload
// schema.
func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	type alias AgentEvent
	var wire struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = AgentEvent(wire.alias)
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}
