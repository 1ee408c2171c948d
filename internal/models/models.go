// Package models defines the core domain types for Conductor.
package models

import "time"

// SessionStatus represents the lifecycle state of a generation session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusAnalyzing SessionStatus = "analyzing"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusStopped   SessionStatus = "stopped"
)

// SessionOptions are the feature flags passed to the worker.
type SessionOptions struct {
	IncludeTests bool `json:"include_tests"`
	IncludeDocs  bool `json:"include_docs"`
}

// SessionMetrics is the snapshot computed when a session finishes.
type SessionMetrics struct {
	TotalTasks       int     `json:"total_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	SuccessRate      float64 `json:"success_rate"`
	AvgCompletionSec float64 `json:"avg_completion_sec"`
}

// Session is one user-initiated generation run.
type Session struct {
	ID                    string         `json:"id"`
	Prompt                string         `json:"prompt"`
	Status                SessionStatus  `json:"status"`
	Options               SessionOptions `json:"options"`
	OutputDir             string         `json:"output_dir"`
	DurationSec           float64        `json:"duration_sec"`
	FilesCreated          int            `json:"files_created"`
	WorkPackagesTotal     int            `json:"work_packages_total"`
	WorkPackagesCompleted int            `json:"work_packages_completed"`
	Metrics               SessionMetrics `json:"metrics"`
	Error                 string         `json:"error,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// AgentType distinguishes the coordinating lead from specialists.
type AgentType string

const (
	AgentTypeLead       AgentType = "lead"
	AgentTypeSpecialist AgentType = "specialist"
)

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusSucceeded AgentStatus = "succeeded"
	AgentStatusFailed    AgentStatus = "failed"
)

// Agent is one named worker role within a session.
type Agent struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	Name              string      `json:"name"`
	Role              string      `json:"role"`
	Type              AgentType   `json:"type"`
	Status            AgentStatus `json:"status"`
	Progress          int         `json:"progress"`
	CurrentStep       string      `json:"current_step,omitempty"`
	WorkPackageID     string      `json:"work_package_id,omitempty"`
	FilesCreated      int         `json:"files_created"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletionTimeSec float64     `json:"completion_time_sec"`
}

// WorkPackageStatus represents the state of a work package.
type WorkPackageStatus string

const (
	WorkPackagePending    WorkPackageStatus = "pending"
	WorkPackageInProgress WorkPackageStatus = "in_progress"
	WorkPackageCompleted  WorkPackageStatus = "completed"
	WorkPackageFailed     WorkPackageStatus = "failed"
)

// WorkPackage is a dependency-gated unit of work.
type WorkPackage struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	AgentHint       string            `json:"agent_hint,omitempty"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	Status          WorkPackageStatus `json:"status"`
	Priority        int               `json:"priority"`
	Dependencies    []string          `json:"dependencies"`
	EstimatedSec    float64           `json:"estimated_sec"`
	ActualSec       float64           `json:"actual_sec"`
	Artifacts       []string          `json:"artifacts"`
	Ordinal         int               `json:"ordinal"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Artifact is a captured output file. Later captures of the same path
// supersede earlier ones by carrying a higher Version.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	FilePath  string    `json:"file_path"`
	Content   string    `json:"content,omitempty"`
	Size      int64     `json:"size"`
	Language  string    `json:"language"`
	Checksum  string    `json:"checksum"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SessionID  string    `json:"session_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
