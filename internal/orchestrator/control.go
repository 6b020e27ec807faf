package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/foreman/internal/approval"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/verify"
)

// Stop ends a run. Running steps are abandoned and the run settles as
// stopped. Stopping twice has no further effect.
func (e *Engine) Stop(ctx context.Context, runID string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	if sv.stop() {
		e.emitControl(sv, events.ControlStop, "")
		e.logger.Info("run stop requested", zap.String("run_id", runID))
	}
	return nil
}

// Pause interrupts the current step work. Interrupted nodes revert to queued
// and are retried after Resume. Pausing twice has no further effect.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	if !sv.pause() {
		return nil
	}
	e.emitControl(sv, events.ControlPause, "")
	e.logger.Info("run paused", zap.String("run_id", runID))
	return e.setStatus(ctx, sv, run.StatusPaused, "paused by operator")
}

// Resume releases a paused run. Non-empty feedback is stored as an artifact
// and delivered with the next agent turn. Resuming a run that is not paused
// has no effect and drops the feedback.
func (e *Engine) Resume(ctx context.Context, runID, feedback string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	if !sv.Paused() {
		return nil
	}
	if feedback != "" {
		if err := e.artifact(ctx, runID, "", run.ArtifactFeedback, feedback); err != nil {
			return err
		}
		sv.enqueue(feedback)
	}
	if !sv.resume() {
		return nil
	}
	e.emitControl(sv, events.ControlResume, feedback)
	e.logger.Info("run resumed", zap.String("run_id", runID), zap.Bool("feedback", feedback != ""))
	return e.setStatus(ctx, sv, run.StatusRunning, "resumed by operator")
}

// Mode returns the run's mode.
func (e *Engine) Mode(ctx context.Context, runID string) (run.Mode, error) {
	r, err := e.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return r.Mode, nil
}

// SetMode switches a run between AUTO and INTERACTIVE. INTERACTIVE stops new
// launches; steps already running finish. A change while paused takes effect
// on resume.
func (e *Engine) SetMode(ctx context.Context, runID string, mode run.Mode) error {
	if mode != run.ModeAuto && mode != run.ModeInteractive {
		return fmt.Errorf("invalid mode %q", mode)
	}
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	if !sv.setMode(mode) {
		return nil
	}
	e.sink.Emit(events.ModeChanged{Meta: events.Header(runID, ""), Mode: mode})
	e.logger.Info("run mode changed", zap.String("run_id", runID), zap.String("mode", string(mode)))
	return e.saveRun(ctx, sv)
}

// NodeControl returns a node's control setting.
func (e *Engine) NodeControl(ctx context.Context, runID, nodeID string) (run.Control, error) {
	sv, err := e.active(runID)
	if err != nil {
		return "", err
	}
	n, err := sv.node(nodeID)
	if err != nil {
		return "", err
	}
	return n.Control, nil
}

// SetNodeControl flips a node between AUTO and MANUAL. MANUAL nodes are
// never launched by the engine; a blocked node handed back to AUTO is
// queued again.
func (e *Engine) SetNodeControl(ctx context.Context, runID, nodeID string, control run.Control) error {
	if control != run.ControlAuto && control != run.ControlManual {
		return fmt.Errorf("invalid node control %q", control)
	}
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	n, err := sv.node(nodeID)
	if err != nil {
		return err
	}
	if n.Control == control {
		return nil
	}
	if err := e.updateNode(ctx, sv, nodeID, func(n *run.Node) { n.Control = control }); err != nil {
		return err
	}
	e.sink.Emit(events.NodeControlChanged{Meta: events.Header(runID, nodeID), Control: control})

	if control == run.ControlAuto && n.Status == run.NodeBlockedManualInput {
		if _, err := e.transition(ctx, sv, nodeID, run.NodeQueued, "node control is AUTO", nil); err != nil {
			return err
		}
	}
	sv.notify()
	return nil
}

// InterruptWithMessage pauses the run, queues text for the next agent turn
// and resumes shortly after. A run that was already paused stays paused.
func (e *Engine) InterruptWithMessage(ctx context.Context, runID, text string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	sv.enqueue(text)
	e.emitControl(sv, events.ControlInterrupt, text)
	if !sv.pause() {
		return nil
	}
	if err := e.setStatus(ctx, sv, run.StatusPaused, "interrupted with message"); err != nil {
		return err
	}

	time.AfterFunc(e.cfg.InterruptResumeDelay(), func() {
		if !sv.resume() {
			return
		}
		e.emitControl(sv, events.ControlResume, "after interrupt")
		if err := e.setStatus(context.WithoutCancel(sv.root), sv, run.StatusRunning, "resumed after interrupt"); err != nil {
			e.logger.Warn("resume after interrupt", zap.String("run_id", runID), zap.Error(err))
		}
	})
	return nil
}

// ManualTurn drives one turn on a node directly, bypassing the scheduler.
// The node must be queued or blocked on manual input. The message is
// appended to the node's prompt. A paused run refuses manual turns.
func (e *Engine) ManualTurn(ctx context.Context, runID, nodeID, message string) (*run.Node, error) {
	sv, err := e.active(runID)
	if err != nil {
		return nil, err
	}
	if sv.Paused() {
		return nil, ErrPaused
	}
	n, err := sv.node(nodeID)
	if err != nil {
		return nil, err
	}

	prompt := e.manualPrompt(ctx, sv, n)
	if message != "" {
		prompt += "\n\n## Operator instructions\n\n" + message
	}

	scope := sv.Scope()
	turnCtx, cancel := context.WithCancelCause(scope)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()

	_, err = e.runNode(turnCtx, sv, nodeID, prompt, true)
	if err == nil {
		// A hand-off queued for this node is moot once it has run.
		sv.takePrompt(nodeID)
	}
	out, nerr := sv.node(nodeID)
	if nerr != nil {
		return nil, nerr
	}
	if err != nil && !interrupted(err) {
		e.logger.Info("manual turn failed", zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
	}
	return out, err
}

// manualPrompt is the prompt a scheduled turn of n would use.
func (e *Engine) manualPrompt(ctx context.Context, sv *supervisor, n *run.Node) string {
	r := sv.snapshot()
	if n.StepID != "" {
		if step, ok := r.TaskDag.Step(n.StepID); ok {
			return stepPrompt(r, step)
		}
	}
	switch n.Role {
	case run.RoleInvestigator:
		return investigatePrompt(r)
	case run.RolePlanner:
		return planPrompt(r)
	case run.RoleDocs:
		if r.Phase == run.PhaseDocsIteration {
			return docsIterationPrompt(r)
		}
		diff, err := e.inspector.DiffSummary(ctx, r.RepoPath)
		if err != nil {
			diff = "(diff unavailable: " + err.Error() + ")"
		}
		return docsSyncPrompt(r, diff)
	}
	return fmt.Sprintf("# Goal\n\n%s\n\n# Your task: %s\n", r.Goal, n.Title)
}

// ManualVerify runs the verification commands now and records the report
// as the run's latest verification.
func (e *Engine) ManualVerify(ctx context.Context, runID string) (run.VerificationReport, error) {
	sv, ok := e.runs.get(runID)
	if !ok {
		r, err := e.loadRun(ctx, runID)
		if err != nil {
			return run.VerificationReport{}, err
		}
		report, err := e.verifier.Run(ctx, e.commandsFor(r), r.RepoPath)
		if err != nil {
			return run.VerificationReport{}, fmt.Errorf("verification: %w", err)
		}
		rep := report.Clone()
		r.LastVerification = &rep
		r.UpdatedAt = time.Now()
		if err := e.store.SaveRun(ctx, r); err != nil {
			return run.VerificationReport{}, fmt.Errorf("%w: run: %w", ErrPersistence, err)
		}
		e.emitVerification(runID, report)
		return report, nil
	}

	r := sv.snapshot()
	report, err := e.verifier.Run(ctx, e.commandsFor(r), r.RepoPath)
	if err != nil {
		return run.VerificationReport{}, fmt.Errorf("verification: %w", err)
	}
	if err := e.recordVerification(ctx, sv, report); err != nil {
		return run.VerificationReport{}, err
	}
	return report, nil
}

func (e *Engine) commandsFor(r *run.Run) []string {
	if len(e.cfg.VerifyCommands) > 0 {
		return e.cfg.VerifyCommands
	}
	return verify.DetectCommands(r.RepoPath)
}

// CreateNode adds an operator-defined node to an active run.
func (e *Engine) CreateNode(ctx context.Context, runID string, spec NodeSpec) (*run.Node, error) {
	sv, err := e.active(runID)
	if err != nil {
		return nil, err
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("node title is required")
	}
	if spec.Role == "" {
		spec.Role = run.RoleCoder
	}
	if spec.Control != "" && spec.Control != run.ControlAuto && spec.Control != run.ControlManual {
		return nil, fmt.Errorf("invalid node control %q", spec.Control)
	}
	if spec.ParentNodeID != "" {
		if _, err := sv.node(spec.ParentNodeID); err != nil {
			return nil, err
		}
	}
	// Operator nodes are not plan steps; the scheduler never sees them.
	spec.StepID = ""
	return e.newNode(ctx, sv, spec)
}

// CreateEdge appends an edge between two nodes of an active run.
func (e *Engine) CreateEdge(ctx context.Context, runID, from, to string, kind run.EdgeKind) error {
	switch kind {
	case run.EdgeHandoff, run.EdgeDependency, run.EdgeReport, run.EdgeGate:
	default:
		return fmt.Errorf("invalid edge kind %q", kind)
	}
	if from == to {
		return fmt.Errorf("edge from %s to itself", from)
	}
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	return e.newEdge(ctx, sv, from, to, kind)
}

// PendingPrompts lists step prompts waiting for review, oldest first.
func (e *Engine) PendingPrompts(runID string) ([]Prompt, error) {
	sv, err := e.active(runID)
	if err != nil {
		return nil, err
	}
	return sv.pendingPrompts(), nil
}

// SendPrompt approves a pending prompt. A non-empty text replaces the
// prompt. The step runs once the run is back in AUTO mode.
func (e *Engine) SendPrompt(runID, nodeID, text string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	return sv.decidePrompt(nodeID, PromptSent, text)
}

// CancelPrompt rejects a pending prompt; its step is skipped.
func (e *Engine) CancelPrompt(runID, nodeID string) error {
	sv, err := e.active(runID)
	if err != nil {
		return err
	}
	return sv.decidePrompt(nodeID, PromptCancelled, "")
}

// PendingApprovals lists risky tool calls waiting for a decision.
func (e *Engine) PendingApprovals(runID string) []approval.Request {
	return e.approvals.Pending(runID)
}

// ResolveApproval decides a pending tool call.
func (e *Engine) ResolveApproval(id string, res approval.Resolution) error {
	return e.approvals.Resolve(id, res)
}

// ApproveCriterion records the operator's sign-off on a criterion. Manual
// criteria pass only this way.
func (e *Engine) ApproveCriterion(ctx context.Context, runID, criterionID string) error {
	if sv, ok := e.runs.get(runID); ok {
		sv.mu.Lock()
		found := approveIn(sv.run.AcceptanceCriteria, criterionID)
		sv.mu.Unlock()
		if !found {
			return fmt.Errorf("%w: %s", ErrCriterionNotFound, criterionID)
		}
		return e.saveRun(ctx, sv)
	}

	r, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if !approveIn(r.AcceptanceCriteria, criterionID) {
		return fmt.Errorf("%w: %s", ErrCriterionNotFound, criterionID)
	}
	if err := e.store.SaveRun(ctx, r); err != nil {
		return fmt.Errorf("%w: run: %w", ErrPersistence, err)
	}
	return nil
}

func approveIn(criteria []run.AcceptanceCriterion, id string) bool {
	for i := range criteria {
		if criteria[i].ID == id {
			criteria[i].ManualApproved = true
			return true
		}
	}
	return false
}
