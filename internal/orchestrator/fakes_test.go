package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aristath/foreman/internal/agent"
	"github.com/aristath/foreman/internal/config"
	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/persistence"
	"github.com/aristath/foreman/internal/run"
)

// behavior scripts one agent turn. It returns the final text or an error.
type behavior func(ctx context.Context, turn agent.Turn, emit func(agent.Event)) (string, error)

// fakeAgent records every turn and dispatches it to a behavior chosen by the
// step title, falling back to the node's role.
type fakeAgent struct {
	mu       sync.Mutex
	byRole   map[string]behavior
	byTitle  map[string]behavior
	turns    []agent.Turn
	log      []string
	running  atomic.Int32
	peak     atomic.Int32
	planText string
}

func newFakeAgent(plan string) *fakeAgent {
	return &fakeAgent{
		byRole:   make(map[string]behavior),
		byTitle:  make(map[string]behavior),
		planText: plan,
	}
}

func (a *fakeAgent) onRole(role string, b behavior) { a.mu.Lock(); a.byRole[role] = b; a.mu.Unlock() }

func (a *fakeAgent) onTitle(title string, b behavior) { a.mu.Lock(); a.byTitle[title] = b; a.mu.Unlock() }

func (a *fakeAgent) record(line string) {
	a.mu.Lock()
	a.log = append(a.log, line)
	a.mu.Unlock()
}

func (a *fakeAgent) timeline() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.log...)
}

// turnsFor returns the recorded turns accepted by match.
func (a *fakeAgent) turnsFor(match func(agent.Turn) bool) []agent.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []agent.Turn
	for _, t := range a.turns {
		if match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (a *fakeAgent) Run(ctx context.Context, turn agent.Turn) (<-chan agent.Event, error) {
	a.mu.Lock()
	a.turns = append(a.turns, turn)
	title := stepTitle(turn.Prompt)
	b := a.byRole[turn.Role]
	if tb, ok := a.byTitle[title]; ok && title != "" {
		b = tb
	}
	plan := a.planText
	a.mu.Unlock()

	if b == nil {
		b = func(context.Context, agent.Turn, func(agent.Event)) (string, error) {
			if turn.Role == run.RolePlanner {
				return plan, nil
			}
			return "done", nil
		}
	}

	ch := make(chan agent.Event, 16)
	go func() {
		defer close(ch)
		n := a.running.Add(1)
		for {
			p := a.peak.Load()
			if n <= p || a.peak.CompareAndSwap(p, n) {
				break
			}
		}
		label := turn.Role
		if title != "" {
			label = title
		}
		a.record("start:" + label)
		defer func() {
			a.running.Add(-1)
			a.record("end:" + label)
		}()

		emit := func(ev agent.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		emit(agent.SessionEstablished{SessionID: "session-" + turn.NodeID})
		text, err := b(ctx, turn, emit)
		if err != nil {
			emit(agent.Failed{Err: err})
			return
		}
		emit(agent.FinalResult{Text: text})
	}()
	return ch, nil
}

// stepTitle extracts the step title from a step prompt.
func stepTitle(prompt string) string {
	const marker = "# Your step: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return ""
	}
	line, _, _ := strings.Cut(prompt[i+len(marker):], "\n")
	return strings.TrimSpace(line)
}

// blockUntilCancelled is a turn that only ends when its context does.
func blockUntilCancelled(ctx context.Context, _ agent.Turn, _ func(agent.Event)) (string, error) {
	<-ctx.Done()
	return "", context.Cause(ctx)
}

// fakeVerifier answers verification runs from a script.
type fakeVerifier struct {
	mu     sync.Mutex
	calls  [][]string
	answer func(call int, commands []string) run.VerificationReport
}

func passingVerifier() *fakeVerifier {
	return &fakeVerifier{answer: func(int, []string) run.VerificationReport { return report(true, nil) }}
}

func (v *fakeVerifier) Run(ctx context.Context, commands []string, dir string) (run.VerificationReport, error) {
	v.mu.Lock()
	v.calls = append(v.calls, commands)
	n := len(v.calls)
	answer := v.answer
	v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return run.VerificationReport{}, err
	}
	rep := answer(n, commands)
	if rep.Commands == nil {
		for _, c := range commands {
			code := 0
			if !rep.Passed {
				code = 1
			}
			rep.Commands = append(rep.Commands, run.CommandResult{Command: c, ExitCode: code, Log: "output of " + c})
		}
	}
	return rep, nil
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func report(passed bool, cmds []run.CommandResult) run.VerificationReport {
	now := time.Now()
	return run.VerificationReport{Passed: passed, Commands: cmds, StartedAt: now, FinishedAt: now}
}

// fakeInspector reports a small git repository with its docs in place.
type fakeInspector struct {
	mu      sync.Mutex
	facts   run.RepoFacts
	docs    run.DocsInventory
	snaps   int
	fixDocs bool // docs become satisfied after the first snapshot
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		facts: run.RepoFacts{IsGitRepo: true, Branch: "main", Head: "0123456789abcdef", FileCount: 4},
		docs:  run.DocsInventory{Files: []string{"README.md"}, Required: []string{"README.md"}},
	}
}

func (f *fakeInspector) Snapshot(ctx context.Context, dir string) (run.RepoFacts, run.DocsInventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps++
	if f.fixDocs && f.snaps > 1 {
		f.docs = run.DocsInventory{Files: []string{"README.md"}, Required: []string{"README.md"}}
		f.facts.Empty = false
	}
	return f.facts, f.docs.Clone(), nil
}

func (f *fakeInspector) DiffSummary(ctx context.Context, dir string) (string, error) {
	return " M main.go\n?? util.go", nil
}

// recordingSink keeps every event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) phases() []run.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []run.Phase
	for _, ev := range r.events {
		if p, ok := ev.(events.PhaseChanged); ok {
			out = append(out, p.To)
		}
	}
	return out
}

func (r *recordingSink) decisions(kind events.Decision) []events.SchedulerDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.SchedulerDecision
	for _, ev := range r.events {
		if d, ok := ev.(events.SchedulerDecision); ok && d.Decision == kind {
			out = append(out, d)
		}
	}
	return out
}

func (r *recordingSink) statusChanges(nodeID string, to run.NodeStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if s, ok := ev.(events.NodeStatusChanged); ok && s.NodeID() == nodeID && s.To == to {
			n++
		}
	}
	return n
}

func (r *recordingSink) approvals() []events.ApprovalResolved {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ApprovalResolved
	for _, ev := range r.events {
		if a, ok := ev.(events.ApprovalResolved); ok {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	t         *testing.T
	engine    *Engine
	store     persistence.Store
	agent     *fakeAgent
	verifier  *fakeVerifier
	inspector *fakeInspector
	sink      *recordingSink
}

type harnessOption func(*config.EngineConfig)

func withConcurrency(n int) harnessOption {
	return func(c *config.EngineConfig) { c.Concurrency = n }
}

func withMaxIterations(n int) harnessOption {
	return func(c *config.EngineConfig) { c.MaxIterations = n }
}

func withoutDocsSync() harnessOption {
	return func(c *config.EngineConfig) {
		off := false
		c.DocsSync = &off
	}
}

func newHarness(t *testing.T, plan string, opts ...harnessOption) *harness {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.EngineConfig{
		Concurrency:            2,
		MaxIterations:          3,
		VerifyCommands:         []string{"go build ./...", "go test ./..."},
		ApprovalTimeoutSeconds: 1,
		InterruptResumeDelayMs: 20,
	}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		t:         t,
		store:     store,
		agent:     newFakeAgent(plan),
		verifier:  passingVerifier(),
		inspector: newFakeInspector(),
		sink:      &recordingSink{},
	}
	h.engine = New(Options{
		Store:     store,
		Runner:    h.agent,
		Verifier:  h.verifier,
		Inspector: h.inspector,
		Sink:      h.sink,
		Engine:    cfg,
		Logger:    zaptest.NewLogger(t),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(req RunRequest) string {
	h.t.Helper()
	if req.Goal == "" {
		req.Goal = "add a greeting endpoint"
	}
	if req.RepoPath == "" {
		req.RepoPath = h.t.TempDir()
	}
	r, err := h.engine.CreateRun(context.Background(), req)
	require.NoError(h.t, err)
	require.NoError(h.t, h.engine.Start(context.Background(), r.ID))
	return r.ID
}

func (h *harness) wait(runID string) (*run.Run, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := h.engine.Wait(ctx, runID)
	require.NotErrorIs(h.t, err, context.DeadlineExceeded, "run did not finish")
	return r, err
}

// stepNode returns the node created for a step id, waiting until it exists.
func (h *harness) stepNode(runID, stepID string) *run.Node {
	h.t.Helper()
	var found *run.Node
	require.Eventually(h.t, func() bool {
		found = h.findNode(runID, func(n *run.Node) bool { return n.StepID == stepID })
		return found != nil
	}, 5*time.Second, 5*time.Millisecond, "no node for step %s", stepID)
	return found
}

func (h *harness) roleNode(runID, role string) *run.Node {
	h.t.Helper()
	var found *run.Node
	require.Eventually(h.t, func() bool {
		found = h.findNode(runID, func(n *run.Node) bool { return n.Role == role })
		return found != nil
	}, 5*time.Second, 5*time.Millisecond, "no %s node", role)
	return found
}

func (h *harness) findNode(runID string, match func(*run.Node) bool) *run.Node {
	nodes, err := h.engine.ListNodes(context.Background(), runID)
	if err != nil {
		return nil
	}
	for _, n := range nodes {
		if match(n) {
			return n
		}
	}
	return nil
}

func (h *harness) nodeStatus(runID, nodeID string) run.NodeStatus {
	n := h.findNode(runID, func(n *run.Node) bool { return n.ID == nodeID })
	if n == nil {
		return ""
	}
	return n.Status
}

func (h *harness) eventuallyStatus(runID, nodeID string, want run.NodeStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.nodeStatus(runID, nodeID) == want },
		5*time.Second, 5*time.Millisecond, "node never reached %s", want)
}

const abcPlan = "```yaml\n" + `summary: three steps
steps:
  - id: a
    title: Step A
    instructions: lay the groundwork
  - id: b
    title: Step B
    instructions: build on A
    deps: [a]
  - id: c
    title: Step C
    instructions: also build on A
    deps: [a]
` + "```\n"

const singlePlan = `summary: one step
steps:
  - id: only
    title: Only step
    instructions: do the thing
`

const pairPlan = `summary: two steps
steps:
  - id: first
    title: First step
    instructions: start
  - id: second
    title: Second step
    instructions: finish
    deps: [first]
`
