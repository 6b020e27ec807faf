package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foreman/internal/agent"
	"github.com/aristath/foreman/internal/approval"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// gatedTurn blocks its first turn until cancelled and lets later turns finish.
func gatedTurn(calls *atomic.Int32) behavior {
	return func(ctx context.Context, turn agent.Turn, emit func(agent.Event)) (string, error) {
		if calls.Add(1) == 1 {
			return blockUntilCancelled(ctx, turn, emit)
		}
		return "second attempt", nil
	}
}

func TestControl_PauseResumeRetriesStepOnce(t *testing.T) {
	h := newHarness(t, pairPlan, withoutDocsSync())
	var calls atomic.Int32
	h.agent.onTitle("First step", gatedTurn(&calls))
	runID := h.start(RunRequest{})
	ctx := context.Background()

	first := h.stepNode(runID, "first")
	h.eventuallyStatus(runID, first.ID, run.NodeRunning)

	require.NoError(t, h.engine.Pause(ctx, runID))
	require.NoError(t, h.engine.Pause(ctx, runID), "pause is idempotent")
	h.eventuallyStatus(runID, first.ID, run.NodeQueued)

	r, err := h.engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPaused, r.Status)

	// Nothing launches while paused.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, run.NodeQueued, h.nodeStatus(runID, first.ID))

	require.NoError(t, h.engine.Resume(ctx, runID, "keep the handler small"))
	done, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, done.Status)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, h.sink.statusChanges(first.ID, run.NodeCompleted), "step completed exactly once")
	assert.Equal(t, 0, h.sink.statusChanges(first.ID, run.NodeFailed), "a pause is not a failure")

	final := h.stepNode(runID, "first")
	assert.Equal(t, 2, final.TurnCount)
	assert.Equal(t, "second attempt", final.Output)

	retries := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == first.ID })
	require.Len(t, retries, 2)
	assert.Contains(t, retries[1].Prompt, "keep the handler small")

	feedback, err := h.store.ListArtifacts(ctx, runID, run.ArtifactFeedback)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, "keep the handler small", feedback[0].Content)
}

func TestControl_PauseDuringPhaseTurn(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	var calls atomic.Int32
	h.agent.onRole(run.RoleInvestigator, gatedTurn(&calls))
	runID := h.start(RunRequest{})
	ctx := context.Background()

	inv := h.roleNode(runID, run.RoleInvestigator)
	h.eventuallyStatus(runID, inv.ID, run.NodeRunning)
	require.NoError(t, h.engine.Pause(ctx, runID))
	h.eventuallyStatus(runID, inv.ID, run.NodeQueued)
	require.NoError(t, h.engine.Resume(ctx, runID, ""))

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "second attempt", r.Investigation)
}

func TestControl_StopEndsRunStopped(t *testing.T) {
	h := newHarness(t, singlePlan)
	h.agent.onTitle("Only step", blockUntilCancelled)
	runID := h.start(RunRequest{})
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	h.eventuallyStatus(runID, only.ID, run.NodeRunning)

	require.NoError(t, h.engine.Stop(ctx, runID))
	require.NoError(t, h.engine.Stop(ctx, runID), "stop is idempotent")

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, r.Status)
	assert.Equal(t, run.PhaseExecute, r.Phase)
	assert.Equal(t, run.NodeQueued, h.stepNode(runID, "only").Status, "abandoned work is not failed")

	stored, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, stored.Status)

	require.ErrorIs(t, h.engine.Stop(ctx, runID), ErrRunNotActive)
	require.ErrorIs(t, h.engine.Pause(ctx, "nope"), ErrRunNotFound)
}

func TestControl_StopReleasesPausedRun(t *testing.T) {
	h := newHarness(t, singlePlan)
	h.agent.onTitle("Only step", blockUntilCancelled)
	runID := h.start(RunRequest{})
	ctx := context.Background()

	h.eventuallyStatus(runID, h.stepNode(runID, "only").ID, run.NodeRunning)
	require.NoError(t, h.engine.Pause(ctx, runID))
	require.NoError(t, h.engine.Stop(ctx, runID))

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, r.Status)
}

func TestControl_InteractiveModeLaunchesNothing(t *testing.T) {
	h := newHarness(t, singlePlan)
	runID := h.start(RunRequest{Mode: run.ModeInteractive})
	ctx := context.Background()

	require.Eventually(t, func() bool { return len(h.sink.decisions(events.DecisionAwaitMode)) > 0 },
		5*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.agent.turnsFor(func(agent.Turn) bool { return true }), "no agent turn starts in INTERACTIVE mode")

	mode, err := h.engine.Mode(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.ModeInteractive, mode)

	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, run.ModeAuto, r.Mode)
}

// interactiveAtExecute starts a run whose planner switches the run to
// INTERACTIVE before the plan is scheduled, so every step is handed off.
func interactiveAtExecute(t *testing.T, h *harness, plan string) string {
	t.Helper()
	h.agent.onRole(run.RolePlanner, func(ctx context.Context, turn agent.Turn, _ func(agent.Event)) (string, error) {
		return plan, h.engine.SetMode(ctx, turn.RunID, run.ModeInteractive)
	})
	return h.start(RunRequest{})
}

func TestControl_PromptHandoffSend(t *testing.T) {
	h := newHarness(t, pairPlan, withoutDocsSync())
	runID := interactiveAtExecute(t, h, pairPlan)
	ctx := context.Background()

	var prompts []Prompt
	require.Eventually(t, func() bool {
		var err error
		prompts, err = h.engine.PendingPrompts(runID)
		return err == nil && len(prompts) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "first", prompts[0].StepID)
	assert.Contains(t, prompts[0].Text, "# Your step: First step")

	require.NoError(t, h.engine.SendPrompt(runID, prompts[0].NodeID, "# Your step: First step\n\nuse the edited prompt"))
	require.ErrorIs(t, h.engine.SendPrompt(runID, prompts[0].NodeID, ""), ErrPromptNotFound)
	assert.Empty(t, h.agent.turnsFor(func(tr agent.Turn) bool { return tr.Role == run.RoleCoder }), "sending does not launch while INTERACTIVE")

	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)

	turns := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == prompts[0].NodeID })
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Prompt, "use the edited prompt")
}

func TestControl_PromptHandoffCancelSkipsStep(t *testing.T) {
	h := newHarness(t, singlePlan, withMaxIterations(1), withoutDocsSync())
	runID := interactiveAtExecute(t, h, singlePlan)
	ctx := context.Background()

	var prompts []Prompt
	require.Eventually(t, func() bool {
		var err error
		prompts, err = h.engine.PendingPrompts(runID)
		return err == nil && len(prompts) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.CancelPrompt(runID, prompts[0].NodeID))
	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))

	r, err := h.wait(runID)
	require.ErrorIs(t, err, ErrBudgetExhausted, "a skipped step fails the completeness gate")
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, run.NodeSkipped, h.stepNode(runID, "only").Status)
	assert.Empty(t, h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == prompts[0].NodeID }))
	assert.NotEmpty(t, h.sink.decisions(events.DecisionSkip))
}

func TestControl_ManualNodeWaitsForManualTurn(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	runID := interactiveAtExecute(t, h, singlePlan)
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	require.Eventually(t, func() bool {
		prompts, err := h.engine.PendingPrompts(runID)
		return err == nil && len(prompts) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.SetNodeControl(ctx, runID, only.ID, run.ControlManual))
	control, err := h.engine.NodeControl(ctx, runID, only.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ControlManual, control)

	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	h.eventuallyStatus(runID, only.ID, run.NodeBlockedManualInput)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == only.ID }), "MANUAL nodes never auto-run")

	n, err := h.engine.ManualTurn(ctx, runID, only.ID, "write it by hand")
	require.NoError(t, err)
	assert.Equal(t, run.NodeCompleted, n.Status)

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)

	turns := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == only.ID })
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Prompt, "write it by hand")
	assert.Contains(t, turns[0].Prompt, "# Your step: Only step")

	_, err = h.engine.ManualTurn(ctx, runID, only.ID, "again")
	require.ErrorIs(t, err, ErrRunNotActive)
}

// blockedManualStep runs singlePlan up to the point where its only step is
// MANUAL and waiting for the operator.
func blockedManualStep(t *testing.T, h *harness) (string, *run.Node) {
	t.Helper()
	runID := interactiveAtExecute(t, h, singlePlan)
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	require.NoError(t, h.engine.SetNodeControl(ctx, runID, only.ID, run.ControlManual))
	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	h.eventuallyStatus(runID, only.ID, run.NodeBlockedManualInput)
	return runID, only
}

func TestControl_ManualTurnRefusedWhilePaused(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	runID, only := blockedManualStep(t, h)
	ctx := context.Background()

	require.NoError(t, h.engine.Pause(ctx, runID))
	_, err := h.engine.ManualTurn(ctx, runID, only.ID, "too early")
	require.ErrorIs(t, err, ErrPaused)
	assert.Empty(t, h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == only.ID }), "no agent spawned")

	require.NoError(t, h.engine.Resume(ctx, runID, ""))
	time.Sleep(30 * time.Millisecond)
	n := h.stepNode(runID, "only")
	assert.Equal(t, run.NodeBlockedManualInput, n.Status)
	assert.Equal(t, 0, n.TurnCount)

	n, err = h.engine.ManualTurn(ctx, runID, only.ID, "now")
	require.NoError(t, err)
	assert.Equal(t, run.NodeCompleted, n.Status)

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestControl_PausedManualTurnReturnsToBlocked(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	var calls atomic.Int32
	h.agent.onTitle("Only step", gatedTurn(&calls))
	runID, only := blockedManualStep(t, h)
	ctx := context.Background()

	turnErr := make(chan error, 1)
	go func() {
		_, err := h.engine.ManualTurn(ctx, runID, only.ID, "first try")
		turnErr <- err
	}()
	h.eventuallyStatus(runID, only.ID, run.NodeRunning)

	require.NoError(t, h.engine.Pause(ctx, runID))
	select {
	case err := <-turnErr:
		require.ErrorIs(t, err, ErrPaused)
	case <-time.After(5 * time.Second):
		t.Fatal("manual turn was not interrupted")
	}
	h.eventuallyStatus(runID, only.ID, run.NodeBlockedManualInput)

	// Resuming does not hand the MANUAL node to the scheduler.
	require.NoError(t, h.engine.Resume(ctx, runID, ""))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, run.NodeBlockedManualInput, h.nodeStatus(runID, only.ID))

	n, err := h.engine.ManualTurn(ctx, runID, only.ID, "second try")
	require.NoError(t, err)
	assert.Equal(t, run.NodeCompleted, n.Status)
	assert.Equal(t, "second attempt", n.Output)

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
}

func TestControl_ModeChangeWhilePausedAppliesOnResume(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	var calls atomic.Int32
	h.agent.onTitle("Only step", gatedTurn(&calls))
	runID := h.start(RunRequest{})
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	h.eventuallyStatus(runID, only.ID, run.NodeRunning)
	require.NoError(t, h.engine.Pause(ctx, runID))
	h.eventuallyStatus(runID, only.ID, run.NodeQueued)

	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeInteractive))
	require.NoError(t, h.engine.Resume(ctx, runID, ""))

	// INTERACTIVE holds the retry as a hand-off instead of relaunching it.
	require.Eventually(t, func() bool {
		prompts, err := h.engine.PendingPrompts(runID)
		return err == nil && len(prompts) == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, run.NodeQueued, h.nodeStatus(runID, only.ID))

	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestControl_ResumeWithoutPauseIsNoOp(t *testing.T) {
	h := newHarness(t, singlePlan)
	h.agent.onTitle("Only step", blockUntilCancelled)
	runID := h.start(RunRequest{})
	ctx := context.Background()

	h.eventuallyStatus(runID, h.stepNode(runID, "only").ID, run.NodeRunning)
	require.NoError(t, h.engine.Resume(ctx, runID, "unsolicited"))

	r, err := h.engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	feedback, err := h.store.ListArtifacts(ctx, runID, run.ArtifactFeedback)
	require.NoError(t, err)
	assert.Empty(t, feedback)

	require.NoError(t, h.engine.Stop(ctx, runID))
	_, err = h.wait(runID)
	require.NoError(t, err)
}

func TestControl_NodeControlBackToAutoRequeues(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	runID := interactiveAtExecute(t, h, singlePlan)
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	require.NoError(t, h.engine.SetNodeControl(ctx, runID, only.ID, run.ControlManual))
	require.NoError(t, h.engine.SetMode(ctx, runID, run.ModeAuto))
	h.eventuallyStatus(runID, only.ID, run.NodeBlockedManualInput)

	require.NoError(t, h.engine.SetNodeControl(ctx, runID, only.ID, run.ControlAuto))
	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, run.NodeCompleted, h.stepNode(runID, "only").Status)

	require.Error(t, h.engine.SetNodeControl(ctx, runID, only.ID, "SOMETIMES"))
}

func TestControl_ManualTurnOnPhaseNode(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	runID := h.start(RunRequest{Mode: run.ModeInteractive})
	ctx := context.Background()

	inv := h.roleNode(runID, run.RoleInvestigator)
	h.eventuallyStatus(runID, inv.ID, run.NodeQueued)
	n, err := h.engine.ManualTurn(ctx, runID, inv.ID, "focus on the http package")
	require.NoError(t, err)
	assert.Equal(t, run.NodeCompleted, n.Status)

	// The phase machine picks up the manual result and waits at PLAN.
	planner := h.roleNode(runID, run.RolePlanner)
	r, err := h.engine.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "done", r.Investigation)
	assert.Equal(t, run.NodeQueued, planner.Status)

	_, err = h.engine.ManualTurn(ctx, runID, inv.ID, "once more")
	require.ErrorIs(t, err, ErrIllegalTransition, "completed nodes do not run again")

	require.NoError(t, h.engine.Stop(ctx, runID))
	final, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, final.Status)
}

func TestControl_InterruptWithMessage(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	var calls atomic.Int32
	h.agent.onTitle("Only step", gatedTurn(&calls))
	runID := h.start(RunRequest{})
	ctx := context.Background()

	only := h.stepNode(runID, "only")
	h.eventuallyStatus(runID, only.ID, run.NodeRunning)
	require.NoError(t, h.engine.InterruptWithMessage(ctx, runID, "use tabs, not spaces"))

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)

	turns := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == only.ID })
	require.Len(t, turns, 2)
	assert.NotContains(t, turns[0].Prompt, "use tabs")
	assert.Contains(t, turns[1].Prompt, "use tabs, not spaces")
}

func TestControl_RiskyToolApproval(t *testing.T) {
	risky := func(ctx context.Context, turn agent.Turn, emit func(agent.Event)) (string, error) {
		emit(agent.ToolProposed{ToolID: "t1", Name: "Bash", Input: "rm -rf build", Risky: true})
		return "cleaned", nil
	}

	t.Run("denied by operator fails the step", func(t *testing.T) {
		h := newHarness(t, singlePlan, withMaxIterations(1), withoutDocsSync())
		h.agent.onTitle("Only step", risky)
		runID := h.start(RunRequest{})

		var pending []approval.Request
		require.Eventually(t, func() bool {
			pending = h.engine.PendingApprovals(runID)
			return len(pending) == 1
		}, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, "Bash", pending[0].Tool)
		require.NoError(t, h.engine.ResolveApproval(pending[0].ID, approval.Resolution{Decision: approval.Denied, Reason: "too broad"}))

		_, err := h.wait(runID)
		require.ErrorIs(t, err, ErrBudgetExhausted)
		only := h.stepNode(runID, "only")
		assert.Equal(t, run.NodeFailed, only.Status)
		assert.Contains(t, only.Error, "too broad")
		resolved := h.sink.approvals()
		require.Len(t, resolved, 1)
		assert.False(t, resolved[0].Defaulted)
	})

	t.Run("timeout in AUTO approves", func(t *testing.T) {
		h := newHarness(t, singlePlan, withoutDocsSync())
		h.agent.onTitle("Only step", risky)
		runID := h.start(RunRequest{})

		r, err := h.wait(runID)
		require.NoError(t, err)
		assert.Equal(t, run.StatusCompleted, r.Status)
		resolved := h.sink.approvals()
		require.Len(t, resolved, 1)
		assert.True(t, resolved[0].Defaulted)
		assert.Equal(t, string(approval.Approved), resolved[0].Resolution)
	})

	t.Run("timeout in INTERACTIVE denies", func(t *testing.T) {
		h := newHarness(t, singlePlan, withoutDocsSync())
		h.agent.onRole(run.RoleInvestigator, risky)
		runID := h.start(RunRequest{Mode: run.ModeInteractive})
		ctx := context.Background()

		inv := h.roleNode(runID, run.RoleInvestigator)
		n, err := h.engine.ManualTurn(ctx, runID, inv.ID, "")
		require.ErrorIs(t, err, errToolDenied)
		assert.Equal(t, run.NodeFailed, n.Status)
		resolved := h.sink.approvals()
		require.Len(t, resolved, 1)
		assert.True(t, resolved[0].Defaulted)
		assert.Equal(t, string(approval.Denied), resolved[0].Resolution)

		require.NoError(t, h.engine.Stop(ctx, runID))
		_, err = h.wait(runID)
		require.NoError(t, err)
	})

	t.Run("modified input reaches the next turn", func(t *testing.T) {
		h := newHarness(t, pairPlan, withoutDocsSync())
		h.agent.onTitle("First step", risky)
		runID := h.start(RunRequest{})

		require.Eventually(t, func() bool {
			pending := h.engine.PendingApprovals(runID)
			if len(pending) != 1 {
				return false
			}
			return h.engine.ResolveApproval(pending[0].ID, approval.Resolution{
				Decision:      approval.Modified,
				ModifiedInput: "rm -rf build/tmp",
			}) == nil
		}, 5*time.Second, 5*time.Millisecond)

		_, err := h.wait(runID)
		require.NoError(t, err)
		second := h.stepNode(runID, "second")
		turns := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == second.ID })
		require.Len(t, turns, 1)
		assert.Contains(t, turns[0].Prompt, "rm -rf build/tmp")
	})
}

func TestControl_OperatorNodesAndEdges(t *testing.T) {
	h := newHarness(t, singlePlan)
	runID := h.start(RunRequest{Mode: run.ModeInteractive})
	ctx := context.Background()

	inv := h.roleNode(runID, run.RoleInvestigator)
	n, err := h.engine.CreateNode(ctx, runID, NodeSpec{Title: "Review security", ParentNodeID: inv.ID, Control: run.ControlManual})
	require.NoError(t, err)
	assert.Equal(t, run.RoleCoder, n.Role)
	assert.Equal(t, run.NodeQueued, n.Status)
	assert.Empty(t, n.StepID)

	require.NoError(t, h.engine.CreateEdge(ctx, runID, n.ID, inv.ID, run.EdgeReport))
	require.Error(t, h.engine.CreateEdge(ctx, runID, n.ID, inv.ID, "sideways"))
	require.Error(t, h.engine.CreateEdge(ctx, runID, n.ID, n.ID, run.EdgeReport))
	require.ErrorIs(t, h.engine.CreateEdge(ctx, runID, n.ID, "ghost", run.EdgeReport), ErrNodeNotFound)
	_, err = h.engine.CreateNode(ctx, runID, NodeSpec{Title: "orphan", ParentNodeID: "ghost"})
	require.ErrorIs(t, err, ErrNodeNotFound)
	_, err = h.engine.CreateNode(ctx, runID, NodeSpec{})
	require.Error(t, err)

	edges, err := h.store.ListEdges(ctx, runID)
	require.NoError(t, err)
	var handoffs, reports int
	for _, e := range edges {
		switch {
		case e.Kind == run.EdgeHandoff && e.From == inv.ID && e.To == n.ID:
			handoffs++
		case e.Kind == run.EdgeReport && e.From == n.ID:
			reports++
		}
	}
	assert.Equal(t, 1, handoffs)
	assert.Equal(t, 1, reports)

	turned, err := h.engine.ManualTurn(ctx, runID, n.ID, "")
	require.NoError(t, err)
	assert.Equal(t, run.NodeCompleted, turned.Status)
	turns := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.NodeID == n.ID })
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Prompt, "Review security")

	require.NoError(t, h.engine.Stop(ctx, runID))
	_, err = h.wait(runID)
	require.NoError(t, err)
}

func TestControl_ApproveCriterion(t *testing.T) {
	h := newHarness(t, singlePlan)
	ctx := context.Background()
	r, err := h.engine.CreateRun(ctx, RunRequest{
		Goal:     "ship",
		RepoPath: t.TempDir(),
		AcceptanceCriteria: []run.AcceptanceCriterion{
			{ID: "signoff", Description: "product sign-off", CheckType: run.CheckManual},
		},
	})
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.ApproveCriterion(ctx, r.ID, "nope"), ErrCriterionNotFound)
	require.ErrorIs(t, h.engine.ApproveCriterion(ctx, "missing", "signoff"), ErrRunNotFound)
	require.NoError(t, h.engine.ApproveCriterion(ctx, r.ID, "signoff"))

	stored, err := h.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.AcceptanceCriteria[0].ManualApproved)

	require.NoError(t, h.engine.Start(ctx, r.ID))
	done, err := h.wait(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, done.Status)
	assert.True(t, done.AcceptanceCriteria[0].Passed)
}

func TestControl_ManualCriterionBlocksUntilApproved(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	ctx := context.Background()
	h.agent.onRole(run.RoleFixer, func(ctx context.Context, turn agent.Turn, _ func(agent.Event)) (string, error) {
		return "asked for sign-off", h.engine.ApproveCriterion(ctx, turn.RunID, "signoff")
	})
	runID := h.start(RunRequest{AcceptanceCriteria: []run.AcceptanceCriterion{
		{ID: "signoff", Description: "product sign-off", CheckType: run.CheckManual},
	}})

	r, err := h.wait(runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 1, r.Iteration, "one fix pass before the approval lands")

	fixes := h.agent.turnsFor(func(tr agent.Turn) bool { return tr.Role == run.RoleFixer })
	require.Len(t, fixes, 1)
	assert.Contains(t, fixes[0].Prompt, "signoff")

	stored, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, stored.AcceptanceCriteria[0].ManualApproved)
}

func TestControl_ManualVerify(t *testing.T) {
	h := newHarness(t, singlePlan, withoutDocsSync())
	runID := h.start(RunRequest{})
	_, err := h.wait(runID)
	require.NoError(t, err)
	ctx := context.Background()

	h.verifier.mu.Lock()
	h.verifier.answer = func(int, []string) run.VerificationReport { return report(false, nil) }
	h.verifier.mu.Unlock()

	rep, err := h.engine.ManualVerify(ctx, runID)
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Len(t, rep.Commands, 2)

	stored, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastVerification)
	assert.False(t, stored.LastVerification.Passed)

	_, err = h.engine.ManualVerify(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}
