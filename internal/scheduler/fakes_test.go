package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/foreman/internal/run"
)

var errTestPaused = errors.New("paused")

// fakeGate is an in-memory Gate with the same pause and mode semantics the engine uses.
type fakeGate struct {
	mu        sync.Mutex
	root      context.Context
	scope     context.Context
	cancel    context.CancelCauseFunc
	paused    bool
	resumed   chan struct{}
	suspended bool
	changed   chan struct{}
}

func newFakeGate(root context.Context) *fakeGate {
	g := &fakeGate{root: root, changed: make(chan struct{})}
	g.scope, g.cancel = context.WithCancelCause(root)
	return g
}

func (g *fakeGate) Scope() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scope
}

func (g *fakeGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *fakeGate) AwaitResume(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resumed
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

func (g *fakeGate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

func (g *fakeGate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *fakeGate) notify() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifyLocked()
}

func (g *fakeGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resumed = make(chan struct{})
	g.cancel(errTestPaused)
	g.notifyLocked()
}

func (g *fakeGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.scope, g.cancel = context.WithCancelCause(g.root)
	g.paused = false
	close(g.resumed)
	g.notifyLocked()
}

func (g *fakeGate) setSuspended(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = v
	g.notifyLocked()
}

// fakeExec records launches and delegates execution to fn.
type fakeExec struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, step run.TaskStep) Outcome
	manual  map[string]bool
	done    map[string]Outcome
	started []string
	blocked []string
	handed  []string
}

func newFakeExec(fn func(ctx context.Context, step run.TaskStep) Outcome) *fakeExec {
	return &fakeExec{fn: fn, manual: map[string]bool{}, done: map[string]Outcome{}}
}

func (f *fakeExec) State(step run.TaskStep) (StepState, Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.done[step.ID]; ok {
		return StepDone, o
	}
	if f.manual[step.ID] {
		return StepManual, 0
	}
	return StepReady, 0
}

func (f *fakeExec) Block(step run.TaskStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, step.ID)
}

func (f *fakeExec) Handoff(step run.TaskStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handed = append(f.handed, step.ID)
}

func (f *fakeExec) Execute(ctx context.Context, step run.TaskStep) Outcome {
	f.mu.Lock()
	f.started = append(f.started, step.ID)
	f.mu.Unlock()
	return f.fn(ctx, step)
}

func (f *fakeExec) settleExternally(id string, o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = o
}

func (f *fakeExec) startedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeExec) countStarts(id string) int {
	n := 0
	for _, s := range f.startedSnapshot() {
		if s == id {
			n++
		}
	}
	return n
}

func steps(defs ...run.TaskStep) []run.TaskStep { return defs }

func step(id string, deps ...string) run.TaskStep {
	return run.TaskStep{ID: id, Title: id, Deps: deps}
}
