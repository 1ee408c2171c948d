package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

// PlanFile is the name of the plan the worker writes into its output dir.
const PlanFile = "work_packages.json"

type planFile struct {
	WorkPackages []planEntry `json:"work_packages"`
}

type planEntry struct {
	PackageID          string          `json:"package_id"`
	ID                 string          `json:"id"`
	Agent              string          `json:"agent"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Dependencies       []string        `json:"dependencies"`
	Priority           json.RawMessage `json:"priority"`
	EstimatedHours     float64         `json:"estimated_hours"`
	EstimatedSec       float64         `json:"estimated_sec"`
	FilesToCreate      json.RawMessage `json:"files_to_create"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
}

// ReadPlan loads the worker's plan from dir. Both {"work_packages": [...]}
// and a bare array are accepted.
func ReadPlan(dir string) ([]models.WorkPackage, error) {
	data, err := os.ReadFile(filepath.Join(dir, PlanFile))
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes plan JSON into pending work packages.
func ParsePlan(data []byte) ([]models.WorkPackage, error) {
	var entries []planEntry
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	} else {
		var pf planFile
		if err := json.Unmarshal(trimmed, &pf); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		entries = pf.WorkPackages
	}

	packages := make([]models.WorkPackage, 0, len(entries))
	for _, e := range entries {
		id := e.PackageID
		if id == "" {
			id = e.ID
		}
		desc := e.Description
		if len(e.AcceptanceCriteria) > 0 {
			desc = strings.TrimSpace(desc + "\n\nAcceptance criteria:\n- " + strings.Join(e.AcceptanceCriteria, "\n- "))
		}
		est := e.EstimatedSec
		if est == 0 && e.EstimatedHours > 0 {
			est = e.EstimatedHours * 3600
		}
		title := e.Title
		if title == "" {
			title = id
		}
		packages = append(packages, models.WorkPackage{
			ID:           id,
			Title:        title,
			Description:  desc,
			AgentHint:    e.Agent,
			Status:       models.WorkPackagePending,
			Priority:     parsePriority(e.Priority),
			Dependencies: e.Dependencies,
			EstimatedSec: est,
		})
	}
	return packages, nil
}

// parsePriority accepts a number or HIGH/MEDIUM/LOW.
func parsePriority(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToUpper(s) {
		case "CRITICAL":
			return 3
		case "HIGH":
			return 2
		case "MEDIUM":
			return 1
		}
	}
	return 0
}
