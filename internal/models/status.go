package models

// IsTerminal reports whether the session can no longer change status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	_, ok := sessionRank[s]
	return ok
}

// sessionRank orders the non-terminal statuses; paused shares running's rank
// so running<->paused is the only sideways move.
var sessionRank = map[SessionStatus]int{
	SessionStatusPending:   0,
	SessionStatusAnalyzing: 1,
	SessionStatusRunning:   2,
	SessionStatusPaused:    2,
	SessionStatusCompleted: 3,
	SessionStatusFailed:    3,
	SessionStatusStopped:   3,
}

// CanTransitionSession reports whether a session may move from one status to
// another. Moves are forward only, except running<->paused.
func CanTransitionSession(from, to SessionStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() || from == to {
		return false
	}
	if to == SessionStatusPaused {
		return from == SessionStatusRunning
	}
	if from == SessionStatusPaused {
		return to == SessionStatusRunning || to.IsTerminal()
	}
	return sessionRank[to] > sessionRank[from]
}

// IsTerminal reports whether the agent has finished.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusSucceeded || s == AgentStatusFailed
}

// IsTerminal reports whether the work package has finished.
func (s WorkPackageStatus) IsTerminal() bool {
	return s == WorkPackageCompleted || s == WorkPackageFailed
}

// CanTransitionWorkPackage reports whether a package may move between
// statuses. Dependency checks for in_progress are the store's job.
func CanTransitionWorkPackage(from, to WorkPackageStatus) bool {
	switch from {
	case WorkPackagePending:
		return to == WorkPackageInProgress || to == WorkPackageCompleted || to == WorkPackageFailed
	case WorkPackageInProgress:
		return to == WorkPackageCompleted || to == WorkPackageFailed
	}
	return false
}
