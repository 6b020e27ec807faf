package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/scheduler"
)

// stepExecutor runs plan steps on the nodes created for them at EXECUTE entry.
type stepExecutor struct {
	e  *Engine
	sv *supervisor
	// prompts holds each step's base prompt, keyed by step ID.
	prompts map[string]string
}

var _ scheduler.StepExecutor = (*stepExecutor)(nil)

func (x *stepExecutor) State(step run.TaskStep) (scheduler.StepState, scheduler.Outcome) {
	x.sv.mu.Lock()
	defer x.sv.mu.Unlock()

	n := x.sv.nodes[x.sv.stepNodes[step.ID]]
	switch {
	case n == nil:
		return scheduler.StepDone, scheduler.OutcomeFailed
	case n.Status == run.NodeCompleted:
		return scheduler.StepDone, scheduler.OutcomeCompleted
	case n.Status == run.NodeFailed:
		return scheduler.StepDone, scheduler.OutcomeFailed
	case n.Status == run.NodeSkipped:
		return scheduler.StepDone, scheduler.OutcomeSkipped
	case x.sv.manual[n.ID]:
		return scheduler.StepBusy, 0
	case n.Control == run.ControlManual:
		return scheduler.StepManual, 0
	}
	return scheduler.StepReady, 0
}

func (x *stepExecutor) Block(step run.TaskStep) {
	nodeID := x.nodeID(step)
	n, err := x.sv.node(nodeID)
	if err != nil || n.Status != run.NodeQueued {
		return
	}
	if _, err := x.e.transition(x.sv.root, x.sv, nodeID, run.NodeBlockedManualInput, "node control is MANUAL", nil); err != nil {
		x.e.logger.Warn("block node", zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (x *stepExecutor) Handoff(step run.TaskStep) {
	nodeID := x.nodeID(step)
	x.sv.mu.Lock()
	if _, ok := x.sv.prompts[nodeID]; !ok {
		x.sv.prompts[nodeID] = &Prompt{
			RunID:    x.sv.run.ID,
			NodeID:   nodeID,
			StepID:   step.ID,
			Title:    step.Title,
			Text:     x.prompts[step.ID],
			State:    PromptPending,
			QueuedAt: time.Now(),
		}
	}
	x.sv.mu.Unlock()
}

// Execute runs one step turn. A prompt handed off while the run was
// INTERACTIVE decides the launch: cancelled skips the step, sent replaces
// the prompt. A prompt nobody decided is sent unchanged.
func (x *stepExecutor) Execute(ctx context.Context, step run.TaskStep) scheduler.Outcome {
	nodeID := x.nodeID(step)
	prompt := x.prompts[step.ID]

	// Apply the operator's decision on a handed-off prompt
	if p, ok := x.sv.takePrompt(nodeID); ok {
		switch p.State {
		case PromptCancelled:
			if _, err := x.e.transition(ctx, x.sv, nodeID, run.NodeSkipped, "prompt cancelled by operator", nil); err != nil {
				return scheduler.OutcomeFailed
			}
			return scheduler.OutcomeSkipped
		case PromptSent:
			prompt = p.Text
		}
	}

	_, err := x.e.runNode(ctx, x.sv, nodeID, prompt, false)
	switch {
	case err == nil:
		return scheduler.OutcomeCompleted
	case interrupted(err):
		return scheduler.OutcomeInterrupted
	default:
		return scheduler.OutcomeFailed
	}
}

func (x *stepExecutor) nodeID(step run.TaskStep) string {
	x.sv.mu.Lock()
	defer x.sv.mu.Unlock()
	return x.sv.stepNodes[step.ID]
}

// schedule creates nodes for the current plan and runs it to settlement.
func (e *Engine) schedule(sv *supervisor, parentNodeID string) (scheduler.Result, []run.TaskStep, error) {
	ctx := sv.root
	snap := sv.snapshot()
	steps := snap.TaskDag.Steps

	// One node per step
	x := &stepExecutor{e: e, sv: sv, prompts: make(map[string]string, len(steps))}
	for i, step := range steps {
		n, err := e.newNode(ctx, sv, NodeSpec{
			StepID:       step.ID,
			Title:        step.Title,
			Role:         stepRole(step),
			ParentNodeID: parentNodeID,
		})
		if err != nil {
			return scheduler.Result{}, steps, err
		}
		steps[i].NodeID = n.ID
		x.prompts[step.ID] = stepPrompt(snap, step)
	}
	// Dependency edges
	for _, step := range steps {
		for _, dep := range step.Deps {
			depNode := sv.stepNodeID(dep)
			if depNode == "" {
				continue
			}
			if err := e.newEdge(ctx, sv, depNode, step.NodeID, run.EdgeDependency); err != nil {
				return scheduler.Result{}, steps, err
			}
		}
	}

	sv.mu.Lock()
	sv.run.TaskDag.Steps = steps
	sv.mu.Unlock()
	if err := e.saveRun(ctx, sv); err != nil {
		return scheduler.Result{}, steps, err
	}

	s := scheduler.New(x, sv, scheduler.Options{
		RunID:       snap.ID,
		Concurrency: e.cfg.Concurrency,
		Sink:        e.sink,
		Logger:      e.logger,
	})
	res, err := s.Run(ctx, steps)
	return res, steps, err
}

func (sv *supervisor) stepNodeID(stepID string) string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stepNodes[stepID]
}

func stepRole(step run.TaskStep) string {
	if step.Agent != "" {
		return step.Agent
	}
	return run.RoleCoder
}

// stepStatuses maps each step to its node's status.
func (sv *supervisor) stepStatuses(steps []run.TaskStep) map[string]run.NodeStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make(map[string]run.NodeStatus, len(steps))
	for _, step := range steps {
		if n, ok := sv.nodes[sv.stepNodes[step.ID]]; ok {
			out[step.ID] = n.Status
		}
	}
	return out
}

func (e *Engine) decide(runID string, decision events.Decision, ids []string, detail string) {
	e.sink.Emit(events.SchedulerDecision{Meta: events.Header(runID, ""), Decision: decision, StepIDs: ids, Detail: detail})
}
