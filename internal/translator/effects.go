// Package translator turns worker log lines into typed effects.
//
// Parsing is best effort: lines that match no known marker still produce a
// DEBUG log effect carrying the raw text, so nothing the worker prints is
// lost.
package translator

// Effect is one state change implied by a log line.
type Effect interface {
	effect()
}

// LogEffect records a line in the session log.
type LogEffect struct {
	Level     string
	Component string
	Message   string
	Stream    string
}

// TaskCreated announces a task the worker intends to run.
type TaskCreated struct {
	TaskID string
	Name   string
	Agent  string
}

// TaskStarted marks the agent as running the task.
type TaskStarted struct {
	TaskID string
	Agent  string
}

// TaskCompleted marks the agent's task as succeeded.
type TaskCompleted struct {
	TaskID string
	Agent  string
}

// TaskFailed marks the agent's task as failed.
type TaskFailed struct {
	TaskID string
	Reason string
	Agent  string
}

// FileWritten reports a file the worker wrote, relative to its output dir.
type FileWritten struct {
	Path  string
	Agent string
}

// Progress reports an agent's completion percentage.
type Progress struct {
	Agent   string
	Percent int
	Message string
}

// PackageCompleted reports a work package finished successfully.
type PackageCompleted struct {
	PackageID string
	Agent     string
}

// PackageFailed reports a work package that could not be executed.
type PackageFailed struct {
	PackageID string
	Reason    string
}

// PlanReady reports that the worker saved its work package plan.
type PlanReady struct {
	Count int
}

func (LogEffect) effect()        {}
func (TaskCreated) effect()      {}
func (TaskStarted) effect()      {}
func (TaskCompleted) effect()    {}
func (TaskFailed) effect()       {}
func (FileWritten) effect()      {}
func (Progress) effect()         {}
func (PackageCompleted) effect() {}
func (PackageFailed) effect()    {}
func (PlanReady) effect()        {}
