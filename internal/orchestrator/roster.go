package orchestrator

import (
	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/store"
)

// DefaultRoster is the agent team created for every session.
func DefaultRoster() []store.AgentSpec {
	return []store.AgentSpec{
		{Name: "Principle Software Engineer", Role: "lead", Type: models.AgentTypeLead},
		{Name: "Requirements Analyst", Role: "requirements_analyst", Type: models.AgentTypeSpecialist},
		{Name: "Backend Specialist", Role: "backend_specialist", Type: models.AgentTypeSpecialist},
		{Name: "Frontend Specialist", Role: "frontend_specialist", Type: models.AgentTypeSpecialist},
		{Name: "Fullstack Specialist", Role: "fullstack_specialist", Type: models.AgentTypeSpecialist},
		{Name: "ML Specialist", Role: "ml_specialist", Type: models.AgentTypeSpecialist},
		{Name: "DevOps Specialist", Role: "devops_specialist", Type: models.AgentTypeSpecialist},
		{Name: "QA Specialist", Role: "qa_specialist", Type: models.AgentTypeSpecialist},
	}
}

// Metrics summarizes a roster at the end of a session. Agents that never
// left idle do not count as tasks.
func Metrics(agents []models.Agent) models.SessionMetrics {
	var m models.SessionMetrics
	var total float64
	for _, a := range agents {
		if a.Status == models.AgentStatusIdle {
			continue
		}
		m.TotalTasks++
		switch a.Status {
		case models.AgentStatusSucceeded:
			m.CompletedTasks++
			total += a.CompletionTimeSec
		case models.AgentStatusFailed:
			m.FailedTasks++
		}
	}
	if m.TotalTasks > 0 {
		m.SuccessRate = float64(m.CompletedTasks) / float64(m.TotalTasks)
	}
	if m.CompletedTasks > 0 {
		m.AvgCompletionSec = total / float64(m.CompletedTasks)
	}
	return m
}
