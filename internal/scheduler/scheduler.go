// Package scheduler drives one EXECUTE phase: it launches plan steps whose
// dependencies have settled, bounded by a semaphore, and cooperates with the
// run's pause, stop and mode controls.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// ErrAborted is returned when the run is stopped while steps are scheduled.
var ErrAborted = errors.New("run aborted")

// Outcome is how a launched step settled.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeSkipped
	// OutcomeInterrupted means the step was abandoned by a pause and its node
	// reverted to queued; it will be launched again after resume.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// StepState is what the executor reports about a step before launch.
type StepState int

const (
	StepReady StepState = iota
	StepManual
	// StepDone means the step's node settled outside the scheduler, e.g. by a manual turn.
	StepDone
	// StepBusy means the node is being driven outside the scheduler right now.
	StepBusy
)

// StepExecutor owns the nodes behind plan steps.
type StepExecutor interface {
	// State reports whether step may be launched.
	State(step run.TaskStep) (StepState, Outcome)
	// Block marks a MANUAL step as waiting for manual input. It is called on
	// every pass that finds the step MANUAL and must be idempotent.
	Block(step run.TaskStep)
	// Handoff queues the step's prompt for human review while launches are suspended.
	Handoff(step run.TaskStep)
	// Execute runs step to settlement. It returns OutcomeInterrupted when ctx
	// was cancelled by a pause.
	Execute(ctx context.Context, step run.TaskStep) Outcome
}

// Gate exposes the run's control state to the scheduler.
type Gate interface {
	// Scope returns the current attempt scope. It is cancelled on pause and
	// replaced by a fresh one on resume.
	Scope() context.Context
	Paused() bool
	// AwaitResume blocks until the run is resumed or ctx ends.
	AwaitResume(ctx context.Context) error
	// Suspended reports whether launching new steps is currently disallowed (INTERACTIVE mode).
	Suspended() bool
	// Changed returns a channel closed on the next control, mode or node change.
	Changed() <-chan struct{}
}

// Result summarizes an EXECUTE phase.
type Result struct {
	Outcomes   map[string]Outcome
	Deadlocked []string
}

// Complete reports whether every step settled.
func (r Result) Complete() bool { return len(r.Deadlocked) == 0 }

// Scheduler launches steps with bounded concurrency.
type Scheduler struct {
	limit  int64
	exec   StepExecutor
	gate   Gate
	locks  *FileLocks
	sink   events.Sink
	logger *zap.Logger
	runID  string
}

// Options configures a Scheduler.
type Options struct {
	RunID       string
	Concurrency int
	Locks       *FileLocks
	Sink        events.Sink
	Logger      *zap.Logger
}

// New creates a Scheduler for one run.
func New(exec StepExecutor, gate Gate, opts Options) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Locks == nil {
		opts.Locks = NewFileLocks()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		limit:  int64(opts.Concurrency),
		exec:   exec,
		gate:   gate,
		locks:  opts.Locks,
		sink:   opts.Sink,
		logger: opts.Logger,
		runID:  opts.RunID,
	}
}

type settlement struct {
	id      string
	outcome Outcome
}

// state is the scheduler's bookkeeping for one Run call. It survives pauses.
type state struct {
	steps     []run.TaskStep
	completed map[string]Outcome
	running   map[string]bool
	blocked   map[string]bool
	handedOff map[string]bool
	settle    chan settlement
}

// Run schedules steps until every step has settled, a deadlock is detected,
// or ctx ends. ctx is the run's root context: its cancellation means stop.
func (s *Scheduler) Run(ctx context.Context, steps []run.TaskStep) (Result, error) {
	st := &state{
		steps:     steps,
		completed: make(map[string]Outcome, len(steps)),
		running:   make(map[string]bool),
		blocked:   make(map[string]bool),
		handedOff: make(map[string]bool),
		settle:    make(chan settlement, len(steps)),
	}
	sem := semaphore.NewWeighted(s.limit)

	for len(st.completed) < len(steps) {
		// Taken before any state is inspected so no change can be missed.
		changed := s.gate.Changed()

		// Stopped
		if ctx.Err() != nil {
			s.drain(st)
			return s.result(st), fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
		}

		scope := s.gate.Scope()
		if scope.Err() != nil {
			if !s.gate.Paused() {
				// Stale scope from a pause that has already been resumed.
				continue
			}
			s.drain(st)
			s.decide(events.DecisionPauseWait, nil, "waiting for resume")
			if err := s.gate.AwaitResume(ctx); err != nil {
				return s.result(st), fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
			}
			continue
		}

		// Pick up manual turns and skips made outside the loop
		s.collectExternal(st)
		if len(st.completed) == len(steps) {
			break
		}

		// Launch, or hand prompts off while INTERACTIVE
		suspended := s.gate.Suspended()
		var launched []string
		if suspended {
			s.handoff(st)
		} else {
			launched = s.launch(scope, sem, st)
		}
		if len(launched) > 0 {
			s.decide(events.DecisionLaunch, launched, "")
			s.progress(st)
		}

		// Nothing in flight: decide whether waiting can still help
		if len(st.running) == 0 && len(launched) == 0 {
			switch {
			case suspended:
				s.decide(events.DecisionAwaitMode, nil, "launches suspended until mode is AUTO")
			case len(st.blocked) > 0:
				// Only a manual turn or a control change can make progress now.
			default:
				stuck := s.pending(st)
				s.decide(events.DecisionDeadlock, stuck, "no step is runnable and none is running")
				s.logger.Warn("scheduler deadlock", zap.String("run_id", s.runID), zap.Strings("steps", stuck))
				return s.result(st), nil
			}
		}

		// Wait for a settlement or a control change
		select {
		case res := <-st.settle:
			s.apply(st, res)
		case <-changed:
		case <-scope.Done():
		case <-ctx.Done():
		}
	}

	return s.result(st), nil
}

// launch starts every runnable step in plan order while permits are free.
func (s *Scheduler) launch(scope context.Context, sem *semaphore.Weighted, st *state) []string {
	var launched []string
	for _, step := range st.steps {
		if _, done := st.completed[step.ID]; done || st.running[step.ID] {
			continue
		}
		if !depsSettled(step, st.completed) {
			continue
		}

		switch ss, _ := s.exec.State(step); ss {
		case StepManual:
			// Block is a no-op unless the node sits in the queue, so a node
			// requeued after it was first blocked is parked again.
			s.exec.Block(step)
			if !st.blocked[step.ID] {
				st.blocked[step.ID] = true
				s.decide(events.DecisionBlock, []string{step.ID}, "node control is MANUAL")
			}
			continue
		case StepBusy:
			st.blocked[step.ID] = true
			continue
		case StepDone:
			continue
		}
		delete(st.blocked, step.ID)

		if !sem.TryAcquire(1) {
			break
		}
		// Mark as running
		st.running[step.ID] = true
		launched = append(launched, step.ID)

		go func(step run.TaskStep) {
			outcome := OutcomeFailed
			// The permit is back before the settlement is seen, so the loop
			// never mistakes a finishing step's permit for a stall.
			defer func() { st.settle <- settlement{id: step.ID, outcome: outcome} }()
			defer sem.Release(1)
			outcome = s.execute(scope, step)
		}(step)
	}
	return launched
}

func (s *Scheduler) execute(ctx context.Context, step run.TaskStep) Outcome {
	// Acquire file locks
	if err := s.locks.LockAll(ctx, step.Files); err != nil {
		return OutcomeInterrupted
	}
	defer s.locks.UnlockAll(step.Files)
	return s.exec.Execute(ctx, step)
}

// handoff queues prompts for runnable steps once per suspension.
func (s *Scheduler) handoff(st *state) {
	var queued []string
	for _, step := range st.steps {
		if _, done := st.completed[step.ID]; done || st.running[step.ID] || st.handedOff[step.ID] {
			continue
		}
		if !depsSettled(step, st.completed) {
			continue
		}
		if ss, _ := s.exec.State(step); ss != StepReady {
			continue
		}
		st.handedOff[step.ID] = true
		s.exec.Handoff(step)
		queued = append(queued, step.ID)
	}
	if len(queued) > 0 {
		s.decide(events.DecisionAwaitPrompt, queued, "prompts queued for review")
	}
}

// collectExternal folds in steps whose nodes were settled outside the scheduler.
func (s *Scheduler) collectExternal(st *state) {
	for _, step := range st.steps {
		if _, done := st.completed[step.ID]; done || st.running[step.ID] {
			continue
		}
		if ss, outcome := s.exec.State(step); ss == StepDone {
			st.completed[step.ID] = outcome
			delete(st.blocked, step.ID)
			s.progress(st)
		}
	}
}

func (s *Scheduler) apply(st *state, res settlement) {
	delete(st.running, res.id)
	if res.outcome == OutcomeInterrupted {
		return
	}
	st.completed[res.id] = res.outcome
	if res.outcome == OutcomeSkipped {
		s.decide(events.DecisionSkip, []string{res.id}, "")
	}
	s.progress(st)
}

// drain waits for every running step to settle. Steps are expected to be
// returning already because their scope was cancelled.
func (s *Scheduler) drain(st *state) {
	for len(st.running) > 0 {
		s.apply(st, <-st.settle)
	}
}

func (s *Scheduler) pending(st *state) []string {
	var ids []string
	for _, step := range st.steps {
		if _, done := st.completed[step.ID]; !done {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

func (s *Scheduler) result(st *state) Result {
	res := Result{Outcomes: make(map[string]Outcome, len(st.completed))}
	for id, o := range st.completed {
		res.Outcomes[id] = o
	}
	if len(st.completed) < len(st.steps) {
		res.Deadlocked = s.pending(st)
	}
	return res
}

func (s *Scheduler) decide(decision events.Decision, ids []string, detail string) {
	s.sink.Emit(events.SchedulerDecision{
		Meta:     events.Header(s.runID, ""),
		Decision: decision,
		StepIDs:  ids,
		Detail:   detail,
	})
}

func (s *Scheduler) progress(st *state) {
	p := events.DAGProgress{Meta: events.Header(s.runID, ""), Total: len(st.steps), Running: len(st.running)}
	for _, o := range st.completed {
		switch o {
		case OutcomeCompleted:
			p.Completed++
		case OutcomeFailed:
			p.Failed++
		}
	}
	p.Pending = p.Total - len(st.completed) - p.Running
	s.sink.Emit(p)
}

func depsSettled(step run.TaskStep, completed map[string]Outcome) bool {
	for _, dep := range step.Deps {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}
