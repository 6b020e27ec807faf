package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/foreman/internal/run"
)

// PromptState tracks an interactive hand-off.
type PromptState string

const (
	PromptPending   PromptState = "pending"
	PromptSent      PromptState = "sent"
	PromptCancelled PromptState = "cancelled"
)

// Prompt is a step prompt held for human review while the run is INTERACTIVE.
type Prompt struct {
	RunID    string      `json:"run_id"`
	NodeID   string      `json:"node_id"`
	StepID   string      `json:"step_id"`
	Title    string      `json:"title"`
	Text     string      `json:"text"`
	State    PromptState `json:"state"`
	QueuedAt time.Time   `json:"queued_at"`
}

// supervisor owns one active run: its record, its nodes and its control
// state. All fields are guarded by mu.
type supervisor struct {
	mu sync.Mutex

	root     context.Context
	stopRoot context.CancelCauseFunc
	stopped  bool

	// scope is the current attempt scope. Pausing cancels it; resuming
	// replaces it, since a cancelled context cannot be reused.
	scope       context.Context
	cancelScope context.CancelCauseFunc
	paused      bool
	resumed     chan struct{}

	changed chan struct{}
	done    chan struct{}
	err     error

	run       *run.Run
	nodes     map[string]*run.Node
	order     []string
	stepNodes map[string]string
	manual    map[string]bool
	prompts   map[string]*Prompt
	messages  []string
}

func newSupervisor(parent context.Context, r *run.Run) *supervisor {
	sv := &supervisor{
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		run:       r,
		nodes:     make(map[string]*run.Node),
		stepNodes: make(map[string]string),
		manual:    make(map[string]bool),
		prompts:   make(map[string]*Prompt),
	}
	sv.root, sv.stopRoot = context.WithCancelCause(context.WithoutCancel(parent))
	sv.scope, sv.cancelScope = context.WithCancelCause(sv.root)
	return sv
}

// Scope implements scheduler.Gate.
func (sv *supervisor) Scope() context.Context {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.scope
}

// Paused implements scheduler.Gate.
func (sv *supervisor) Paused() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.paused
}

// AwaitResume implements scheduler.Gate.
func (sv *supervisor) AwaitResume(ctx context.Context) error {
	sv.mu.Lock()
	if !sv.paused {
		sv.mu.Unlock()
		return nil
	}
	ch := sv.resumed
	sv.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Suspended implements scheduler.Gate.
func (sv *supervisor) Suspended() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.run.Mode == run.ModeInteractive
}

// Changed implements scheduler.Gate.
func (sv *supervisor) Changed() <-chan struct{} {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.changed
}

func (sv *supervisor) notifyLocked() {
	close(sv.changed)
	sv.changed = make(chan struct{})
}

func (sv *supervisor) notify() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.notifyLocked()
}

// pause cancels the current scope. It reports false when the run was
// already paused or is stopping.
func (sv *supervisor) pause() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.paused || sv.stopped {
		return false
	}
	sv.paused = true
	sv.resumed = make(chan struct{})
	sv.cancelScope(ErrPaused)
	sv.notifyLocked()
	return true
}

// resume issues a fresh scope and releases everything waiting on the pause.
func (sv *supervisor) resume() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if !sv.paused || sv.stopped {
		return false
	}
	sv.scope, sv.cancelScope = context.WithCancelCause(sv.root)
	sv.paused = false
	close(sv.resumed)
	sv.notifyLocked()
	return true
}

// stop cancels the root scope and releases a pending pause so waiters unwind.
func (sv *supervisor) stop() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.stopped {
		return false
	}
	sv.stopped = true
	sv.stopRoot(ErrStopped)
	if sv.paused {
		sv.paused = false
		close(sv.resumed)
	}
	sv.notifyLocked()
	return true
}

func (sv *supervisor) setMode(mode run.Mode) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.run.Mode == mode {
		return false
	}
	sv.run.Mode = mode
	sv.run.UpdatedAt = time.Now()
	sv.notifyLocked()
	return true
}

// awaitAuto blocks until launches are allowed for nodeID: the run is in AUTO
// mode and the node is AUTO-controlled. It returns early with settled=true if
// the node reached a terminal status some other way, e.g. by a manual turn.
func (sv *supervisor) awaitAuto(ctx context.Context, nodeID string, onWait func()) (settled bool, err error) {
	waited := false
	for {
		sv.mu.Lock()
		n := sv.nodes[nodeID]
		ch := sv.changed
		switch {
		case n.Status.Terminal():
			sv.mu.Unlock()
			return true, nil
		case sv.run.Mode == run.ModeAuto && n.Control == run.ControlAuto && !sv.manual[nodeID]:
			sv.mu.Unlock()
			return false, nil
		}
		sv.mu.Unlock()

		if !waited && onWait != nil {
			onWait()
			waited = true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false, context.Cause(ctx)
		}
	}
}

func (sv *supervisor) snapshot() *run.Run {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.run.Clone()
}

func (sv *supervisor) node(id string) (*run.Node, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	n, ok := sv.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

// abandonedStatus is where an interrupted turn leaves a node: MANUAL nodes
// go back to waiting for the operator, the rest to the queue.
func (sv *supervisor) abandonedStatus(id string) run.NodeStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if n, ok := sv.nodes[id]; ok && n.Control == run.ControlManual {
		return run.NodeBlockedManualInput
	}
	return run.NodeQueued
}

func (sv *supervisor) listNodes() []*run.Node {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*run.Node, 0, len(sv.order))
	for _, id := range sv.order {
		out = append(out, sv.nodes[id].Clone())
	}
	return out
}

// enqueue records a human message for the next agent turn.
func (sv *supervisor) enqueue(msg string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.messages = append(sv.messages, msg)
}

// takeMessagesLocked drains queued human messages.
func (sv *supervisor) takeMessagesLocked() []string {
	msgs := sv.messages
	sv.messages = nil
	return msgs
}

// requeue puts undelivered messages back at the front of the queue.
func (sv *supervisor) requeue(msgs []string) {
	if len(msgs) == 0 {
		return
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.messages = append(append([]string(nil), msgs...), sv.messages...)
}

func (sv *supervisor) pendingPrompts() []Prompt {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	var out []Prompt
	for _, p := range sv.prompts {
		if p.State == PromptPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// decidePrompt marks a pending prompt sent or cancelled.
func (sv *supervisor) decidePrompt(nodeID string, state PromptState, text string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	p, ok := sv.prompts[nodeID]
	if !ok || p.State != PromptPending {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, nodeID)
	}
	p.State = state
	if text != "" {
		p.Text = text
	}
	sv.notifyLocked()
	return nil
}

// takePrompt removes and returns the hand-off for nodeID, if any.
func (sv *supervisor) takePrompt(nodeID string) (Prompt, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	p, ok := sv.prompts[nodeID]
	if !ok {
		return Prompt{}, false
	}
	delete(sv.prompts, nodeID)
	return *p, true
}

func (sv *supervisor) finish(err error) {
	sv.mu.Lock()
	sv.err = err
	sv.mu.Unlock()
	sv.stopRoot(nil)
	close(sv.done)
}
