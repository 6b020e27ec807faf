package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/foreman/internal/run"
)

// PlanError describes structural problems in a plan. A plan with problems
// can still be scheduled; the affected steps end up deadlocked.
type PlanError struct {
	Duplicates  []string            // step ids declared more than once
	MissingDeps map[string][]string // step id -> unknown dependency ids
	Cycle       error               // set when the dependency graph has a cycle
}

func (e *PlanError) Error() string {
	var parts []string
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicate step ids: "+strings.Join(e.Duplicates, ", "))
	}
	if len(e.MissingDeps) > 0 {
		ids := make([]string, 0, len(e.MissingDeps))
		for id := range e.MissingDeps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("step %q depends on non-existent step(s) %s", id, strings.Join(e.MissingDeps[id], ", ")))
		}
	}
	if e.Cycle != nil {
		parts = append(parts, fmt.Sprintf("plan contains cycle: %v", e.Cycle))
	}
	return strings.Join(parts, "; ")
}

// Validate checks a plan for duplicate ids, unknown dependencies and cycles.
// It returns the step ids in a dependency-respecting order, or a *PlanError.
func Validate(steps []run.TaskStep) ([]string, error) {
	planErr := &PlanError{MissingDeps: make(map[string][]string)}

	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if known[s.ID] {
			planErr.Duplicates = append(planErr.Duplicates, s.ID)
		}
		known[s.ID] = true
	}

	var edges []toposort.Edge
	for _, s := range steps {
		if len(s.Deps) == 0 {
			// nil source keeps dependency-free steps in the sorted output
			edges = append(edges, toposort.Edge{nil, s.ID})
			continue
		}
		for _, dep := range s.Deps {
			if !known[dep] {
				planErr.MissingDeps[s.ID] = append(planErr.MissingDeps[s.ID], dep)
				continue
			}
			edges = append(edges, toposort.Edge{dep, s.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		planErr.Cycle = err
	}

	if len(planErr.Duplicates) > 0 || len(planErr.MissingDeps) > 0 || planErr.Cycle != nil {
		return nil, planErr
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
