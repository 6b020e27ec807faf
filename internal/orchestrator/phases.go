package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aristath/foreman/internal/acceptance"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// phaseEdges lists the legal phase transitions.
var phaseEdges = map[run.Phase][]run.Phase{
	run.PhaseBoot:          {run.PhaseDocsIteration, run.PhaseInvestigate},
	run.PhaseDocsIteration: {run.PhaseInvestigate},
	run.PhaseInvestigate:   {run.PhasePlan},
	run.PhasePlan:          {run.PhaseExecute},
	run.PhaseExecute:       {run.PhaseVerify},
	run.PhaseVerify:        {run.PhaseDocsSync, run.PhaseExecute},
	run.PhaseDocsSync:      {run.PhaseExecute, run.PhaseDone},
}

func canAdvance(from, to run.Phase) bool {
	for _, p := range phaseEdges[from] {
		if p == to {
			return true
		}
	}
	return false
}

// advance moves the run to the next phase, persists it and emits the transition.
func (e *Engine) advance(sv *supervisor, to run.Phase, reason string) error {
	sv.mu.Lock()
	from := sv.run.Phase
	if !canAdvance(from, to) {
		sv.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}
	sv.run.Phase = to
	sv.run.UpdatedAt = time.Now()
	iteration := sv.run.Iteration
	runID := sv.run.ID
	sv.notifyLocked()
	sv.mu.Unlock()

	if err := e.saveRun(sv.root, sv); err != nil {
		return err
	}
	e.sink.Emit(events.PhaseChanged{Meta: events.Header(runID, ""), From: from, To: to, Iteration: iteration, Reason: reason})
	e.logger.Info("phase changed",
		zap.String("run_id", runID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("iteration", iteration),
		zap.String("reason", reason))
	return nil
}

// loop is the run's phase machine. It returns nil when the run reaches DONE.
func (e *Engine) loop(sv *supervisor) error {
	if err := e.refreshWorkspace(sv); err != nil {
		return err
	}

	// Docs first when the repo cannot be investigated yet
	r := sv.snapshot()
	if r.RepoFacts.Empty || r.RepoFacts.DocsOnly || !r.DocsInventory.Satisfied() {
		if err := e.advance(sv, run.PhaseDocsIteration, docsReason(r)); err != nil {
			return err
		}
		reason, err := e.docsIteration(sv)
		if err != nil {
			return err
		}
		if err := e.advance(sv, run.PhaseInvestigate, reason); err != nil {
			return err
		}
	} else if err := e.advance(sv, run.PhaseInvestigate, "documentation satisfied"); err != nil {
		return err
	}

	investigator, reason, err := e.investigate(sv)
	if err != nil {
		return err
	}
	if err := e.advance(sv, run.PhasePlan, reason); err != nil {
		return err
	}

	planner, reason, err := e.plan(sv, investigator)
	if err != nil {
		return err
	}
	if err := e.advance(sv, run.PhaseExecute, reason); err != nil {
		return err
	}

	parent := planner
	for {
		// Execute the current plan
		res, steps, err := e.schedule(sv, parent)
		if err != nil {
			return err
		}
		if err := e.refreshWorkspace(sv); err != nil {
			return err
		}

		reason := fmt.Sprintf("all %d steps settled", len(steps))
		if !res.Complete() {
			reason = "execute incomplete: deadlocked steps " + strings.Join(res.Deadlocked, ", ")
		}
		if err := e.advance(sv, run.PhaseVerify, reason); err != nil {
			return err
		}

		// Verify
		report, verifier, err := e.verifyPass(sv, steps)
		if err != nil {
			return err
		}
		if err := e.refreshWorkspace(sv); err != nil {
			return err
		}

		if !report.Passed {
			parent = verifier
			if err := e.beginFix(sv, fixContext{Report: &report}, "verification failed: "+failedCommands(report)); err != nil {
				return err
			}
			continue
		}

		if err := e.advance(sv, run.PhaseDocsSync, "verification passed"); err != nil {
			return err
		}
		// Sync docs, then check completeness
		docs, err := e.docsSync(sv, verifier)
		if err != nil {
			return err
		}

		verdict, err := e.gate(sv, steps, &report, docs)
		if err != nil {
			return err
		}
		if verdict.Passed {
			return e.advance(sv, run.PhaseDone, "completeness check passed")
		}

		parent = verifier
		reason = fmt.Sprintf("completeness check failed: %d problem(s)", len(verdict.Failures))
		if err := e.beginFix(sv, fixContext{Report: &report, Failures: verdict.Failures}, reason); err != nil {
			return err
		}
	}
}

// beginFix consumes one iteration and replaces the plan with a fix step. It
// fails the run when the budget is used up instead of looping again.
func (e *Engine) beginFix(sv *supervisor, fc fixContext, reason string) error {
	sv.mu.Lock()
	sv.run.Iteration++
	sv.run.UpdatedAt = time.Now()
	iteration, limit := sv.run.Iteration, sv.run.MaxIterations
	sv.mu.Unlock()

	if err := e.saveRun(sv.root, sv); err != nil {
		return err
	}
	// Out of budget
	if iteration >= limit {
		return fmt.Errorf("%w: %s after %d of %d iterations", ErrBudgetExhausted, reason, iteration, limit)
	}

	r := sv.snapshot()
	fc.Diff = e.diffSummary(sv)
	step := fixStep(r, iteration, fc)
	if err := e.artifact(sv.root, r.ID, "", run.ArtifactFixContext, fc.String()); err != nil {
		return err
	}

	sv.mu.Lock()
	sv.run.TaskDag = run.TaskDag{
		Summary: fmt.Sprintf("fix pass %d: %s", iteration, reason),
		Steps:   []run.TaskStep{step},
	}
	sv.mu.Unlock()

	return e.advance(sv, run.PhaseExecute, reason)
}

// underScope runs fn with the current attempt scope. A pause cancels fn; it
// is retried with a fresh scope once the run resumes. A stop ends it.
func (e *Engine) underScope(sv *supervisor, fn func(ctx context.Context) error) error {
	for {
		if sv.root.Err() != nil {
			return context.Cause(sv.root)
		}
		scope := sv.Scope()
		if scope.Err() == nil {
			err := fn(scope)
			if err == nil || scope.Err() == nil {
				return err
			}
			if !errors.Is(context.Cause(scope), ErrPaused) {
				return context.Cause(scope)
			}
		}
		if err := sv.AwaitResume(sv.root); err != nil {
			return err
		}
	}
}

// phaseTurn runs a phase-level node to settlement. While the run is
// INTERACTIVE or the node is MANUAL it waits for AUTO mode or for a manual
// turn to settle the node.
func (e *Engine) phaseTurn(sv *supervisor, nodeID, prompt string) (string, error) {
	runID := sv.snapshot().ID
	var out string
	err := e.underScope(sv, func(ctx context.Context) error {
		for {
			settled, err := sv.awaitAuto(ctx, nodeID, func() {
				e.blockIfManual(sv, nodeID)
				e.decide(runID, events.DecisionAwaitMode, nil, "waiting for AUTO mode or a manual turn")
			})
			if err != nil {
				return err
			}
			if settled {
				n, err := sv.node(nodeID)
				if err != nil {
					return err
				}
				if n.Status != run.NodeCompleted {
					return fmt.Errorf("%s ended %s: %s", n.Title, n.Status, n.Error)
				}
				out = n.Output
				return nil
			}

			res, err := e.runNode(ctx, sv, nodeID, prompt, false)
			if errors.Is(err, errSuspended) {
				continue
			}
			if err != nil {
				return err
			}
			out = res.Text
			return nil
		}
	})
	return out, err
}

func (e *Engine) blockIfManual(sv *supervisor, nodeID string) {
	n, err := sv.node(nodeID)
	if err != nil || n.Control != run.ControlManual || n.Status != run.NodeQueued {
		return
	}
	if _, err := e.transition(sv.root, sv, nodeID, run.NodeBlockedManualInput, "node control is MANUAL", nil); err != nil {
		e.logger.Warn("block node", zap.String("node_id", nodeID), zap.Error(err))
	}
	e.decide(n.RunID, events.DecisionBlock, []string{n.StepID}, "node control is MANUAL")
}

func (e *Engine) refreshWorkspace(sv *supervisor) error {
	repo := sv.snapshot().RepoPath
	return e.underScope(sv, func(ctx context.Context) error {
		facts, docs, err := e.inspector.Snapshot(ctx, repo)
		if err != nil {
			return fmt.Errorf("inspect workspace: %w", err)
		}
		sv.mu.Lock()
		sv.run.RepoFacts = facts
		sv.run.DocsInventory = docs
		sv.run.UpdatedAt = time.Now()
		sv.mu.Unlock()
		return e.saveRun(ctx, sv)
	})
}

func (e *Engine) diffSummary(sv *supervisor) string {
	repo := sv.snapshot().RepoPath
	var diff string
	err := e.underScope(sv, func(ctx context.Context) error {
		var err error
		diff, err = e.inspector.DiffSummary(ctx, repo)
		return err
	})
	if err != nil {
		return "(diff unavailable: " + err.Error() + ")"
	}
	return diff
}

func (e *Engine) docsIteration(sv *supervisor) (string, error) {
	r := sv.snapshot()
	n, err := e.newNode(sv.root, sv, NodeSpec{Title: "Write missing documentation", Role: run.RoleDocs})
	if err != nil {
		return "", err
	}
	_, err = e.phaseTurn(sv, n.ID, docsIterationPrompt(r))
	if fatal(err) {
		return "", err
	}
	if err := e.refreshWorkspace(sv); err != nil {
		return "", err
	}
	if err != nil {
		e.logger.Warn("documentation iteration failed", zap.String("run_id", r.ID), zap.Error(err))
		return "documentation iteration failed: " + err.Error(), nil
	}
	return "documentation iteration complete", nil
}

func (e *Engine) investigate(sv *supervisor) (string, string, error) {
	r := sv.snapshot()
	n, err := e.newNode(sv.root, sv, NodeSpec{Title: "Investigate repository", Role: run.RoleInvestigator})
	if err != nil {
		return "", "", err
	}
	out, err := e.phaseTurn(sv, n.ID, investigatePrompt(r))
	if fatal(err) {
		return "", "", err
	}
	if err != nil {
		e.logger.Warn("investigation failed", zap.String("run_id", r.ID), zap.Error(err))
		return n.ID, "investigation failed: " + err.Error(), nil
	}

	sv.mu.Lock()
	sv.run.Investigation = out
	sv.mu.Unlock()
	if err := e.saveRun(sv.root, sv); err != nil {
		return "", "", err
	}
	if err := e.artifact(sv.root, r.ID, n.ID, run.ArtifactInvestigation, out); err != nil {
		return "", "", err
	}
	return n.ID, "investigation completed", nil
}

func (e *Engine) plan(sv *supervisor, investigator string) (string, string, error) {
	r := sv.snapshot()
	n, err := e.newNode(sv.root, sv, NodeSpec{Title: "Plan the work", Role: run.RolePlanner, ParentNodeID: investigator})
	if err != nil {
		return "", "", err
	}
	out, err := e.phaseTurn(sv, n.ID, planPrompt(r))
	if fatal(err) {
		return "", "", err
	}
	if err != nil {
		e.logger.Warn("planning failed", zap.String("run_id", r.ID), zap.Error(err))
		out = ""
	}

	plan := normalizePlan(out, r.Goal)
	for _, w := range plan.Warnings {
		e.sink.Emit(events.PlanWarning{Meta: events.Header(r.ID, n.ID), Detail: w})
		e.logger.Warn("plan warning", zap.String("run_id", r.ID), zap.String("detail", w))
	}

	sv.mu.Lock()
	sv.run.TaskDag = plan.Dag
	sv.run.AcceptanceCriteria = mergeCriteria(sv.run.AcceptanceCriteria, plan.Criteria)
	sv.mu.Unlock()
	if err := e.saveRun(sv.root, sv); err != nil {
		return "", "", err
	}

	doc, _ := yaml.Marshal(planDoc{Summary: plan.Dag.Summary, Steps: plan.Dag.Steps, AcceptanceCriteria: plan.Criteria})
	if err := e.artifact(sv.root, r.ID, n.ID, run.ArtifactPlan, string(doc)); err != nil {
		return "", "", err
	}

	if plan.Fallback {
		return n.ID, "fallback plan substituted", nil
	}
	return n.ID, fmt.Sprintf("plan normalized: %d steps", len(plan.Dag.Steps)), nil
}

// verifyPass runs the verification commands on a gate node linked to every step node.
func (e *Engine) verifyPass(sv *supervisor, steps []run.TaskStep) (run.VerificationReport, string, error) {
	r := sv.snapshot()
	n, err := e.newNode(sv.root, sv, NodeSpec{Title: fmt.Sprintf("Verify pass %d", r.Iteration), Role: run.RoleVerifier})
	if err != nil {
		return run.VerificationReport{}, "", err
	}
	for _, step := range steps {
		if step.NodeID == "" {
			continue
		}
		if err := e.newEdge(sv.root, sv, step.NodeID, n.ID, run.EdgeGate); err != nil {
			return run.VerificationReport{}, "", err
		}
	}

	commands := e.commandsFor(r)

	var report run.VerificationReport
	err = e.underScope(sv, func(ctx context.Context) error {
		settle := context.WithoutCancel(ctx)
		if _, err := e.transition(settle, sv, n.ID, run.NodeRunning, strings.Join(commands, "; "), nil); err != nil {
			return err
		}
		rep, err := e.verifier.Run(ctx, commands, r.RepoPath)
		if ctx.Err() != nil {
			if _, terr := e.transition(settle, sv, n.ID, run.NodeQueued, "abandoned: "+context.Cause(ctx).Error(), nil); terr != nil {
				return terr
			}
			return context.Cause(ctx)
		}
		if err != nil {
			msg := err.Error()
			_, _ = e.transition(settle, sv, n.ID, run.NodeFailed, msg, func(n *run.Node) { n.Error = msg })
			return fmt.Errorf("verification: %w", err)
		}
		report = rep
		to, summary := run.NodeCompleted, "verification passed"
		if !rep.Passed {
			to, summary = run.NodeFailed, "verification failed: "+failedCommands(rep)
		}
		_, err = e.transition(settle, sv, n.ID, to, summary, func(n *run.Node) {
			n.Output = summary
			if to == run.NodeFailed {
				n.Error = summary
			}
		})
		return err
	})
	if err != nil {
		return run.VerificationReport{}, "", err
	}

	if err := e.recordVerification(sv.root, sv, report); err != nil {
		return run.VerificationReport{}, "", err
	}
	return report, n.ID, nil
}

// recordVerification stores the report on the run and announces it.
func (e *Engine) recordVerification(ctx context.Context, sv *supervisor, report run.VerificationReport) error {
	sv.mu.Lock()
	rep := report.Clone()
	sv.run.LastVerification = &rep
	runID := sv.run.ID
	sv.mu.Unlock()

	if err := e.saveRun(ctx, sv); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode verification report: %w", err)
	}
	if err := e.artifact(ctx, runID, "", run.ArtifactVerification, string(data)); err != nil {
		return err
	}
	e.emitVerification(runID, report)
	return nil
}

func (e *Engine) emitVerification(runID string, report run.VerificationReport) {
	var failed []string
	for _, c := range report.Commands {
		if !c.Passed() {
			failed = append(failed, c.Command)
		}
	}
	e.sink.Emit(events.VerificationFinished{Meta: events.Header(runID, ""), Passed: report.Passed, FailedCommands: failed})
}

func (e *Engine) docsSync(sv *supervisor, verifier string) (*acceptance.DocsSyncResult, error) {
	if !e.cfg.DocsSyncEnabled() {
		return nil, nil
	}
	r := sv.snapshot()
	n, err := e.newNode(sv.root, sv, NodeSpec{Title: "Sync documentation", Role: run.RoleDocs})
	if err != nil {
		return nil, err
	}
	if err := e.newEdge(sv.root, sv, verifier, n.ID, run.EdgeReport); err != nil {
		return nil, err
	}
	_, err = e.phaseTurn(sv, n.ID, docsSyncPrompt(r, e.diffSummary(sv)))
	if fatal(err) {
		return nil, err
	}
	if err != nil {
		return &acceptance.DocsSyncResult{Passed: false, Detail: err.Error()}, nil
	}
	return &acceptance.DocsSyncResult{Passed: true}, nil
}

// gate evaluates the completeness gate and records every criterion result.
func (e *Engine) gate(sv *supervisor, steps []run.TaskStep, report *run.VerificationReport, docs *acceptance.DocsSyncResult) (acceptance.Verdict, error) {
	r := sv.snapshot()
	var verdict acceptance.Verdict
	err := e.underScope(sv, func(ctx context.Context) error {
		var err error
		verdict, err = e.evaluator.Gate(ctx, acceptance.Input{
			Criteria:   r.AcceptanceCriteria,
			Report:     report,
			Dir:        r.RepoPath,
			Steps:      steps,
			StepStatus: sv.stepStatuses(steps),
			DocsSync:   docs,
		})
		return err
	})
	if err != nil {
		return acceptance.Verdict{}, err
	}

	e.applyCriteria(sv, verdict.Criteria)
	if err := e.saveRun(sv.root, sv); err != nil {
		return acceptance.Verdict{}, err
	}
	for _, f := range verdict.Failures {
		if f.Kind != acceptance.FailureCriterion {
			e.logger.Info("completeness failure", zap.String("run_id", r.ID), zap.String("detail", f.String()))
		}
	}
	return verdict, nil
}

// applyCriteria stores evaluated criteria, keeping manual approvals granted
// while the evaluation ran.
func (e *Engine) applyCriteria(sv *supervisor, evaluated []run.AcceptanceCriterion) {
	sv.mu.Lock()
	approved := make(map[string]bool)
	for _, c := range sv.run.AcceptanceCriteria {
		if c.ManualApproved {
			approved[c.ID] = true
		}
	}
	for i := range evaluated {
		if approved[evaluated[i].ID] {
			evaluated[i].ManualApproved = true
		}
	}
	sv.run.AcceptanceCriteria = evaluated
	runID := sv.run.ID
	sv.mu.Unlock()

	for _, c := range evaluated {
		e.sink.Emit(events.AcceptanceEvaluated{Meta: events.Header(runID, ""), CriterionID: c.ID, Passed: c.Passed, Detail: c.Detail})
	}
}

func docsReason(r *run.Run) string {
	switch {
	case r.RepoFacts.Empty:
		return "repository is empty"
	case r.RepoFacts.DocsOnly:
		return "repository contains only documentation"
	default:
		return "required documentation missing: " + strings.Join(r.DocsInventory.Missing, ", ")
	}
}

func failedCommands(report run.VerificationReport) string {
	var failed []string
	for _, c := range report.Commands {
		if !c.Passed() {
			failed = append(failed, fmt.Sprintf("%s (exit %d)", c.Command, c.ExitCode))
		}
	}
	if len(failed) == 0 {
		return "no failing command"
	}
	return strings.Join(failed, ", ")
}
