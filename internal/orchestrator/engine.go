// Package orchestrator runs delivery runs end to end: it sequences the phase
// state machine, drives the scheduler through EXECUTE, feeds verification and
// acceptance failures back as fix steps, and exposes the control surface
// humans use to pause, redirect or take over a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/acceptance"
	"github.com/aristath/foreman/internal/agent"
	"github.com/aristath/foreman/internal/approval"
	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/scheduler"
	"github.com/aristath/foreman/internal/verify"
	"github.com/aristath/foreman/internal/workspace"
)

// Bindings reports the provider binding recorded on nodes of a role.
type Bindings interface {
	ProviderBinding(role string) string
}

// Options wires an Engine to its collaborators. Store, Runner, Verifier and
// Inspector are required.
type Options struct {
	Store     persistence.Store
	Runner    agent.Runner
	Verifier  verify.Runner
	Inspector workspace.Inspector
	Approvals *approval.Queue
	Bindings  Bindings
	Sink      events.Sink
	Engine    config.EngineConfig
	Logger    *zap.Logger
}

// Engine owns every active run in the process.
type Engine struct {
	store     persistence.Store
	runner    agent.Runner
	verifier  verify.Runner
	inspector workspace.Inspector
	approvals *approval.Queue
	bindings  Bindings
	evaluator *acceptance.Evaluator
	sink      events.Sink
	cfg       config.EngineConfig
	logger    *zap.Logger
	runs      *registry
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Approvals == nil {
		opts.Approvals = approval.NewQueue()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	defaults := config.DefaultConfig().Engine
	if opts.Engine.Concurrency <= 0 {
		opts.Engine.Concurrency = defaults.Concurrency
	}
	if opts.Engine.MaxIterations <= 0 {
		opts.Engine.MaxIterations = defaults.MaxIterations
	}
	if opts.Engine.ApprovalTimeoutSeconds <= 0 {
		opts.Engine.ApprovalTimeoutSeconds = defaults.ApprovalTimeoutSeconds
	}
	if opts.Engine.InterruptResumeDelayMs <= 0 {
		opts.Engine.InterruptResumeDelayMs = defaults.InterruptResumeDelayMs
	}
	return &Engine{
		store:     opts.Store,
		runner:    opts.Runner,
		verifier:  opts.Verifier,
		inspector: opts.Inspector,
		approvals: opts.Approvals,
		bindings:  opts.Bindings,
		evaluator: acceptance.NewEvaluator(opts.Verifier),
		sink:      opts.Sink,
		cfg:       opts.Engine,
		logger:    opts.Logger,
		runs:      newRegistry(),
	}
}

// RunRequest describes a new run.
type RunRequest struct {
	Goal               string
	RepoPath           string
	Mode               run.Mode
	MaxIterations      int
	AcceptanceCriteria []run.AcceptanceCriterion
}

// CreateRun persists a queued run at BOOT.
func (e *Engine) CreateRun(ctx context.Context, req RunRequest) (*run.Run, error) {
	if req.Goal == "" {
		return nil, errors.New("goal is required")
	}
	if req.RepoPath == "" {
		return nil, errors.New("repository path is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = run.ModeAuto
	}
	if mode != run.ModeAuto && mode != run.ModeInteractive {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}

	now := time.Now()
	r := &run.Run{
		ID:                 uuid.NewString(),
		Goal:               req.Goal,
		RepoPath:           req.RepoPath,
		Phase:              run.PhaseBoot,
		Mode:               mode,
		Status:             run.StatusQueued,
		MaxIterations:      maxIter,
		AcceptanceCriteria: append([]run.AcceptanceCriterion(nil), req.AcceptanceCriteria...),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.SaveRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.logger.Info("run created", zap.String("run_id", r.ID), zap.String("mode", string(mode)), zap.Int("max_iterations", maxIter))
	return r, nil
}

// Start launches the run loop for a queued run. The loop runs detached from
// ctx; use Stop to end it.
func (e *Engine) Start(ctx context.Context, runID string) error {
	r, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusQueued {
		return fmt.Errorf("%w: %s is %s", ErrRunNotActive, runID, r.Status)
	}

	sv := newSupervisor(ctx, r)
	if err := e.runs.add(runID, sv); err != nil {
		return err
	}
	if err := e.setStatus(ctx, sv, run.StatusRunning, "started"); err != nil {
		e.runs.remove(runID, sv)
		return err
	}

	go e.drive(sv)
	return nil
}

// Wait blocks until the run loop ends and returns the final run.
func (e *Engine) Wait(ctx context.Context, runID string) (*run.Run, error) {
	sv, ok := e.runs.get(runID)
	if !ok {
		r, err := e.loadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !r.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
		}
		return r, nil
	}
	select {
	case <-sv.done:
		sv.mu.Lock()
		err := sv.err
		sv.mu.Unlock()
		return sv.snapshot(), err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetRun returns the live state of an active run or the stored record.
func (e *Engine) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	if sv, ok := e.runs.get(runID); ok {
		return sv.snapshot(), nil
	}
	return e.loadRun(ctx, runID)
}

// ListNodes returns a run's nodes in creation order.
func (e *Engine) ListNodes(ctx context.Context, runID string) ([]*run.Node, error) {
	if sv, ok := e.runs.get(runID); ok {
		return sv.listNodes(), nil
	}
	if _, err := e.loadRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListNodes(ctx, runID)
}

// Shutdown stops every active run and waits for their loops to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	active := e.runs.all()
	for _, sv := range active {
		if sv.stop() {
			e.emitControl(sv, events.ControlStop, "shutdown")
		}
	}
	for _, sv := range active {
		select {
		case <-sv.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) loadRun(ctx context.Context, runID string) (*run.Run, error) {
	r, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

func (e *Engine) active(runID string) (*supervisor, error) {
	sv, ok := e.runs.get(runID)
	if !ok {
		if _, err := e.store.GetRun(context.Background(), runID); errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return sv, nil
}

// drive runs the phase loop and settles the run's final status.
func (e *Engine) drive(sv *supervisor) {
	runID := sv.snapshot().ID
	logger := e.logger.With(zap.String("run_id", runID))
	// Final writes must land even though the root scope is gone.
	ctx := context.WithoutCancel(sv.root)

	err := e.loop(sv)

	var status run.Status
	var reason string
	switch {
	case err == nil:
		status, reason = run.StatusCompleted, "completed"
	case errors.Is(err, ErrStopped) || errors.Is(err, ErrRunAborted) || errors.Is(context.Cause(sv.root), ErrStopped):
		// Writes racing a stop fail on the cancelled root; the stop wins.
		status, reason = run.StatusStopped, "stopped"
		err = nil
	default:
		status, reason = run.StatusFailed, err.Error()
		sv.mu.Lock()
		sv.run.Error = err.Error()
		sv.mu.Unlock()
	}

	if serr := e.setStatus(ctx, sv, status, reason); serr != nil && err == nil {
		err = serr
	}
	logger.Info("run finished", zap.String("status", string(status)), zap.Error(err))

	// Unregister first so nobody can control the run once Wait returns.
	e.runs.remove(runID, sv)
	sv.finish(err)
}

// setStatus moves the run to status, persists it and emits the change.
func (e *Engine) setStatus(ctx context.Context, sv *supervisor, status run.Status, reason string) error {
	sv.mu.Lock()
	from := sv.run.Status
	if from.Terminal() {
		sv.mu.Unlock()
		return nil
	}
	sv.run.Status = status
	sv.run.UpdatedAt = time.Now()
	snap := sv.run.Clone()
	sv.mu.Unlock()

	if err := e.store.SaveRun(ctx, snap); err != nil {
		return fmt.Errorf("%w: run: %w", ErrPersistence, err)
	}
	if from != status {
		e.sink.Emit(events.RunStatusChanged{Meta: events.Header(snap.ID, ""), From: from, To: status, Reason: reason})
	}
	return nil
}

// saveRun persists the run record as it stands.
func (e *Engine) saveRun(ctx context.Context, sv *supervisor) error {
	if err := e.store.SaveRun(ctx, sv.snapshot()); err != nil {
		return fmt.Errorf("%w: run: %w", ErrPersistence, err)
	}
	return nil
}

func (e *Engine) artifact(ctx context.Context, runID, nodeID string, kind run.ArtifactKind, content string) error {
	err := e.store.CreateArtifact(ctx, run.Artifact{
		ID:        uuid.NewString(),
		RunID:     runID,
		NodeID:    nodeID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %s artifact: %w", ErrPersistence, kind, err)
	}
	return nil
}

func (e *Engine) emitControl(sv *supervisor, action events.ControlAction, detail string) {
	e.sink.Emit(events.ControlSignaled{Meta: events.Header(sv.snapshot().ID, ""), Action: action, Detail: detail})
}

func (e *Engine) binding(role string) string {
	if e.bindings == nil {
		return ""
	}
	return e.bindings.ProviderBinding(role)
}

var _ scheduler.Gate = (*supervisor)(nil)
