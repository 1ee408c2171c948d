package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

var (
	// ErrCycle indicates a dependency cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownDependency indicates a dependency on a package that does not
	// exist.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateID indicates two packages sharing an id.
	ErrDuplicateID = errors.New("duplicate work package id")
	// ErrEmptyID indicates a package without an id.
	ErrEmptyID = errors.New("work package id is required")
)

// ValidateGraph checks that package ids are unique, every dependency names a
// package in the set, and the dependency graph has no cycles.
func ValidateGraph(packages []models.WorkPackage) error {
	byID := make(map[string]models.WorkPackage, len(packages))
	for _, wp := range packages {
		if strings.TrimSpace(wp.ID) == "" {
			return ErrEmptyID
		}
		if _, dup := byID[wp.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, wp.ID)
		}
		byID[wp.ID] = wp
	}
	for _, wp := range packages {
		for _, dep := range wp.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, wp.ID, dep)
			}
		}
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(id string, path []string) error
	dfs = func(id string, path []string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, id), " -> "))
		}
		visiting[id] = true
		for _, dep := range byID[id].Dependencies {
			if err := dfs(dep, append(path, id)); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for _, wp := range packages {
		if err := dfs(wp.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Eligible returns the pending packages whose dependencies have all
// completed, highest priority first and then in creation order, limited to
// the free slots left in a batch of batchSize.
func Eligible(packages []models.WorkPackage, batchSize int) []models.WorkPackage {
	status := make(map[string]models.WorkPackageStatus, len(packages))
	inProgress := 0
	for _, wp := range packages {
		status[wp.ID] = wp.Status
		if wp.Status == models.WorkPackageInProgress {
			inProgress++
		}
	}
	capacity := batchSize - inProgress
	if capacity <= 0 {
		return nil
	}

	var candidates []models.WorkPackage
	for _, wp := range packages {
		if wp.Status != models.WorkPackagePending || !depsComplete(wp, status) {
			continue
		}
		candidates = append(candidates, wp)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority == candidates[j].Priority {
			return candidates[i].Ordinal < candidates[j].Ordinal
		}
		return candidates[i].Priority > candidates[j].Priority
	})
	if len(candidates) > capacity {
		return candidates[:capacity]
	}
	return candidates
}

func depsComplete(wp models.WorkPackage, status map[string]models.WorkPackageStatus) bool {
	for _, dep := range wp.Dependencies {
		if status[dep] != models.WorkPackageCompleted {
			return false
		}
	}
	return true
}

// Outcome summarizes where a session's plan stands.
type Outcome string

const (
	// OutcomeIdle means no packages exist.
	OutcomeIdle Outcome = "idle"
	// OutcomeActive means packages are running or ready to run.
	OutcomeActive Outcome = "active"
	// OutcomeDone means every package completed.
	OutcomeDone Outcome = "done"
	// OutcomeStalled means nothing runs, nothing can start, and some package
	// has not completed.
	OutcomeStalled Outcome = "stalled"
)

// Evaluate classifies a package set. Failed packages block their dependents
// without failing them.
func Evaluate(packages []models.WorkPackage) Outcome {
	if len(packages) == 0 {
		return OutcomeIdle
	}
	status := make(map[string]models.WorkPackageStatus, len(packages))
	for _, wp := range packages {
		status[wp.ID] = wp.Status
	}
	allDone := true
	for _, wp := range packages {
		switch wp.Status {
		case models.WorkPackageInProgress:
			return OutcomeActive
		case models.WorkPackagePending:
			allDone = false
			if depsComplete(wp, status) {
				return OutcomeActive
			}
		case models.WorkPackageFailed:
			allDone = false
		}
	}
	if allDone {
		return OutcomeDone
	}
	return OutcomeStalled
}
