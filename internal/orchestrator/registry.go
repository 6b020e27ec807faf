package orchestrator

import (
	"fmt"
	"sync"
)

// registry maps run IDs to the supervisors of active runs.
type registry struct {
	mu   sync.RWMutex
	runs map[string]*supervisor
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*supervisor)}
}

func (r *registry) add(id string, sv *supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, id)
	}
	r.runs[id] = sv
	return nil
}

func (r *registry) get(id string) (*supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sv, ok := r.runs[id]
	return sv, ok
}

// remove drops id only if it still maps to sv.
func (r *registry) remove(id string, sv *supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[id] == sv {
		delete(r.runs, id)
	}
}

func (r *registry) all() []*supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*supervisor, 0, len(r.runs))
	for _, sv := range r.runs {
		out = append(out, sv)
	}
	return out
}
