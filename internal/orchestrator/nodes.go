package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/agent"
	"github.com/aristath/foreman/internal/approval"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// NodeSpec describes a node to create.
type NodeSpec struct {
	StepID       string
	Title        string
	Role         string
	Control      run.Control
	ParentNodeID string
}

// newNode registers a queued node with the run, persists it and announces it.
func (e *Engine) newNode(ctx context.Context, sv *supervisor, spec NodeSpec) (*run.Node, error) {
	control := spec.Control
	if control == "" {
		control = run.ControlAuto
	}
	now := time.Now()

	sv.mu.Lock()
	n := &run.Node{
		ID:              uuid.NewString(),
		RunID:           sv.run.ID,
		StepID:          spec.StepID,
		Title:           spec.Title,
		Role:            spec.Role,
		ProviderBinding: e.binding(spec.Role),
		Status:          run.NodeQueued,
		Control:         control,
		ParentNodeID:    spec.ParentNodeID,
		Iteration:       sv.run.Iteration,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sv.nodes[n.ID] = n
	sv.order = append(sv.order, n.ID)
	if spec.StepID != "" {
		sv.stepNodes[spec.StepID] = n.ID
	}
	snap := n.Clone()
	sv.mu.Unlock()

	if err := e.store.SaveNode(ctx, snap); err != nil {
		return nil, fmt.Errorf("%w: node: %w", ErrPersistence, err)
	}
	e.sink.Emit(events.NodeCreated{Meta: events.Header(snap.RunID, snap.ID), StepID: snap.StepID, Title: snap.Title, Role: snap.Role})
	if snap.ParentNodeID != "" {
		if err := e.newEdge(ctx, sv, snap.ParentNodeID, snap.ID, run.EdgeHandoff); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// newEdge appends an edge between two nodes of the run.
func (e *Engine) newEdge(ctx context.Context, sv *supervisor, from, to string, kind run.EdgeKind) error {
	sv.mu.Lock()
	_, okFrom := sv.nodes[from]
	_, okTo := sv.nodes[to]
	runID := sv.run.ID
	sv.mu.Unlock()
	if !okFrom {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if !okTo {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}

	edge := run.Edge{ID: uuid.NewString(), RunID: runID, From: from, To: to, Kind: kind, CreatedAt: time.Now()}
	if err := e.store.SaveEdge(ctx, edge); err != nil {
		return fmt.Errorf("%w: edge: %w", ErrPersistence, err)
	}
	e.sink.Emit(events.EdgeCreated{Meta: events.Header(runID, ""), EdgeID: edge.ID, From: from, To: to, Kind: kind})
	return nil
}

// transition applies a status change to a node. mutate, if non-nil, runs
// under the supervisor lock after the move is validated.
func (e *Engine) transition(ctx context.Context, sv *supervisor, nodeID string, to run.NodeStatus, message string, mutate func(*run.Node)) (*run.Node, error) {
	sv.mu.Lock()
	n, ok := sv.nodes[nodeID]
	if !ok {
		sv.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	from := n.Status
	if err := n.Transition(to); err != nil {
		sv.mu.Unlock()
		return nil, err
	}
	if mutate != nil {
		mutate(n)
	}
	snap := n.Clone()
	sv.notifyLocked()
	sv.mu.Unlock()

	e.sink.Emit(events.NodeStatusChanged{
		Meta:    events.Header(snap.RunID, snap.ID),
		Title:   snap.Title,
		From:    from,
		To:      to,
		Message: message,
	})
	if err := e.store.SaveNode(ctx, snap); err != nil {
		return snap, fmt.Errorf("%w: node: %w", ErrPersistence, err)
	}
	return snap, nil
}

// updateNode persists a field change that does not move the status.
func (e *Engine) updateNode(ctx context.Context, sv *supervisor, nodeID string, mutate func(*run.Node)) error {
	sv.mu.Lock()
	n, ok := sv.nodes[nodeID]
	if !ok {
		sv.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	mutate(n)
	n.UpdatedAt = time.Now()
	snap := n.Clone()
	sv.mu.Unlock()

	if err := e.store.SaveNode(ctx, snap); err != nil {
		return fmt.Errorf("%w: node: %w", ErrPersistence, err)
	}
	return nil
}

// beginTurn moves a node to running and takes the queued human messages.
// Scheduled turns refuse to start while the run is INTERACTIVE or the node
// is MANUAL, so a mode switch racing a launch never starts work.
func (e *Engine) beginTurn(ctx context.Context, sv *supervisor, nodeID string, manual bool) (*run.Node, []string, error) {
	// A scope cancelled by pause or stop must not spawn an agent.
	if ctx.Err() != nil {
		return nil, nil, context.Cause(ctx)
	}
	sv.mu.Lock()
	n, ok := sv.nodes[nodeID]
	if !ok {
		sv.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if !manual && (sv.run.Mode == run.ModeInteractive || n.Control == run.ControlManual || sv.manual[nodeID]) {
		sv.mu.Unlock()
		return nil, nil, errSuspended
	}
	if manual && n.Status == run.NodeRunning {
		sv.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: node %s is already running", ErrIllegalTransition, nodeID)
	}
	from := n.Status
	if err := n.Transition(run.NodeRunning); err != nil {
		sv.mu.Unlock()
		return nil, nil, err
	}
	n.TurnCount++
	if manual {
		sv.manual[nodeID] = true
	}
	msgs := sv.takeMessagesLocked()
	snap := n.Clone()
	sv.notifyLocked()
	sv.mu.Unlock()

	e.sink.Emit(events.NodeStatusChanged{Meta: events.Header(snap.RunID, snap.ID), Title: snap.Title, From: from, To: run.NodeRunning})
	if err := e.store.SaveNode(context.WithoutCancel(ctx), snap); err != nil {
		sv.requeue(msgs)
		_, _ = e.transition(context.WithoutCancel(ctx), sv, nodeID, run.NodeFailed, err.Error(), func(n *run.Node) { n.Error = err.Error() })
		return nil, nil, fmt.Errorf("%w: node: %w", ErrPersistence, err)
	}
	return snap, msgs, nil
}

// runNode drives one agent turn on a queued or blocked node. On success the
// node is completed with the agent's output. When ctx is cancelled by a pause
// or stop the node reverts to queued and the cause is returned; any other
// error fails the node.
func (e *Engine) runNode(ctx context.Context, sv *supervisor, nodeID, prompt string, manual bool) (agent.Result, error) {
	n, msgs, err := e.beginTurn(ctx, sv, nodeID, manual)
	if err != nil {
		return agent.Result{}, err
	}
	if manual {
		defer func() {
			sv.mu.Lock()
			delete(sv.manual, nodeID)
			sv.notifyLocked()
			sv.mu.Unlock()
		}()
	}

	runID := n.RunID
	logger := e.logger.With(zap.String("run_id", runID), zap.String("node_id", nodeID), zap.String("role", n.Role))
	logger.Debug("turn started", zap.Int("turn", n.TurnCount))

	turnCtx, cancelTurn := context.WithCancelCause(ctx)
	defer cancelTurn(nil)

	res, err := e.collectTurn(turnCtx, cancelTurn, sv, n, withMessages(prompt, msgs))

	// Settlement writes must land even if ctx was cancelled.
	settleCtx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrPaused) || errors.Is(cause, ErrStopped) {
			sv.requeue(msgs)
			detail := "abandoned: " + cause.Error()
			if _, terr := e.transition(settleCtx, sv, nodeID, sv.abandonedStatus(nodeID), detail, nil); terr != nil {
				return res, terr
			}
			logger.Info("turn interrupted", zap.Error(cause))
			return res, cause
		}
	}

	if err != nil {
		msg := err.Error()
		if _, terr := e.transition(settleCtx, sv, nodeID, run.NodeFailed, msg, func(n *run.Node) { n.Error = msg }); terr != nil {
			return res, terr
		}
		logger.Warn("turn failed", zap.Error(err))
		return res, err
	}

	_, terr := e.transition(settleCtx, sv, nodeID, run.NodeCompleted, "", func(n *run.Node) {
		n.Output = res.Text
		n.Error = ""
		if res.SessionID != "" {
			n.SessionID = res.SessionID
		}
	})
	if terr != nil {
		return res, terr
	}
	if res.Text != "" {
		if err := e.artifact(settleCtx, runID, nodeID, run.ArtifactNodeOutput, res.Text); err != nil {
			return res, err
		}
	}
	logger.Debug("turn completed")
	return res, nil
}

func (e *Engine) collectTurn(ctx context.Context, cancel context.CancelCauseFunc, sv *supervisor, n *run.Node, prompt string) (agent.Result, error) {
	repo := sv.snapshot().RepoPath
	stream, err := e.runner.Run(ctx, agent.Turn{
		RunID:     n.RunID,
		NodeID:    n.ID,
		Role:      n.Role,
		Prompt:    prompt,
		SessionID: n.SessionID,
		WorkDir:   repo,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("start agent: %w", err)
	}

	return agent.Collect(stream, func(ev agent.Event) error {
		return e.onAgentEvent(ctx, cancel, sv, n, ev)
	})
}

// onAgentEvent forwards lifecycle events to observers and gates risky tools.
func (e *Engine) onAgentEvent(ctx context.Context, cancel context.CancelCauseFunc, sv *supervisor, n *run.Node, ev agent.Event) error {
	h := events.Header(n.RunID, n.ID)
	switch ev := ev.(type) {
	case agent.Progress:
		e.sink.Emit(events.NodeOutput{Meta: h, Line: ev.Message})
	case agent.Log:
		e.sink.Emit(events.NodeOutput{Meta: h, Line: ev.Line})
	case agent.ToolStarted:
		e.sink.Emit(events.NodeOutput{Meta: h, Line: "tool " + ev.Name + " started"})
	case agent.ToolCompleted:
		status := "completed"
		if ev.Failed {
			status = "failed"
		}
		e.sink.Emit(events.NodeOutput{Meta: h, Line: "tool " + ev.Name + " " + status})
	case agent.SessionEstablished:
		return e.updateNode(ctx, sv, n.ID, func(n *run.Node) { n.SessionID = ev.SessionID })
	case agent.ToolProposed:
		if ev.Risky {
			if err := e.gateTool(ctx, sv, n, ev); err != nil {
				cancel(err)
				return err
			}
		}
	}
	return nil
}

// errToolDenied fails a turn whose risky tool call was refused.
var errToolDenied = errors.New("tool call denied")

// gateTool asks a human to approve a risky tool call. When nobody answers in
// time the run's mode decides: AUTO approves, INTERACTIVE denies.
func (e *Engine) gateTool(ctx context.Context, sv *supervisor, n *run.Node, ev agent.ToolProposed) error {
	req := approval.Request{
		ID:          uuid.NewString(),
		RunID:       n.RunID,
		NodeID:      n.ID,
		ToolID:      ev.ToolID,
		Tool:        ev.Name,
		Input:       ev.Input,
		RequestedAt: time.Now(),
	}
	h := events.Header(n.RunID, n.ID)
	e.sink.Emit(events.ApprovalRequested{Meta: h, ApprovalID: req.ID, Tool: ev.Name})

	actx, cancel := context.WithTimeout(ctx, e.cfg.ApprovalTimeout())
	defer cancel()

	res, err := e.approvals.Request(actx, req)
	defaulted := false
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		defaulted = true
		res = approval.Resolution{Decision: approval.Approved, Reason: "approval timed out in AUTO mode"}
		if sv.Suspended() {
			res = approval.Resolution{Decision: approval.Denied, Reason: "approval timed out in INTERACTIVE mode"}
		}
	}
	e.sink.Emit(events.ApprovalResolved{Meta: h, ApprovalID: req.ID, Resolution: string(res.Decision), Defaulted: defaulted})

	switch res.Decision {
	case approval.Denied:
		reason := res.Reason
		if reason == "" {
			reason = "denied by operator"
		}
		return fmt.Errorf("%w: %s: %s", errToolDenied, ev.Name, reason)
	case approval.Modified:
		sv.enqueue(fmt.Sprintf("The operator modified your %s call. Use this input instead:\n%s", ev.Name, res.ModifiedInput))
	}
	return nil
}

// withMessages appends queued human messages to a prompt.
func withMessages(prompt string, msgs []string) string {
	if len(msgs) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n## Messages from the operator\n")
	for _, m := range msgs {
		b.WriteString("\n- ")
		b.WriteString(m)
	}
	return b.String()
}
