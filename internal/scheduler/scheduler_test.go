package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
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

func runAsync(t *testing.T, s *Scheduler, ctx context.Context, plan []run.TaskStep) <-chan struct {
	res Result
	err error
} {
	t.Helper()
	out := make(chan struct {
		res Result
		err error
	}, 1)
	go func() {
		res, err := s.Run(ctx, plan)
		out <- struct {
			res Result
			err error
		}{res, err}
	}()
	return out
}

func TestScheduler_ABCExample(t *testing.T) {
	var (
		mu    sync.Mutex
		start = map[string]time.Time{}
		end   = map[string]time.Time{}
	)
	exec := newFakeExec(func(_ context.Context, st run.TaskStep) Outcome {
		mu.Lock()
		start[st.ID] = time.Now()
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		end[st.ID] = time.Now()
		mu.Unlock()
		if st.ID == "A" {
			return OutcomeFailed
		}
		return OutcomeCompleted
	})
	gate := newFakeGate(context.Background())
	s := New(exec, gate, Options{Concurrency: 2})

	res, err := s.Run(context.Background(), steps(step("A"), step("B"), step("C", "A", "B")))
	require.NoError(t, err)
	require.True(t, res.Complete())

	assert.Equal(t, OutcomeFailed, res.Outcomes["A"])
	assert.Equal(t, OutcomeCompleted, res.Outcomes["B"])
	assert.Equal(t, OutcomeCompleted, res.Outcomes["C"], "a failed dependency still settles")

	// A and B overlap.
	assert.True(t, start["B"].Before(end["A"]) && start["A"].Before(end["B"]))
	// C starts only after both settle.
	assert.False(t, start["C"].Before(end["A"]))
	assert.False(t, start["C"].Before(end["B"]))
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	var current, peak int32
	exec := newFakeExec(func(_ context.Context, _ run.TaskStep) Outcome {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return OutcomeCompleted
	})
	s := New(exec, newFakeGate(context.Background()), Options{Concurrency: 3})

	var plan []run.TaskStep
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		plan = append(plan, step(id))
	}
	res, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, res.Outcomes, 10)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak), "independent steps should fill every permit")
}

func TestScheduler_DeadlockDoesNotHang(t *testing.T) {
	tests := []struct {
		name  string
		plan  []run.TaskStep
		stuck []string
	}{
		{"cycle", steps(step("ok"), step("x", "y"), step("y", "x")), []string{"x", "y"}},
		{"self loop", steps(step("x", "x")), []string{"x"}},
		{"missing dependency", steps(step("a"), step("b", "ghost")), []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			exec := newFakeExec(func(context.Context, run.TaskStep) Outcome { return OutcomeCompleted })
			s := New(exec, newFakeGate(context.Background()), Options{Concurrency: 2, Sink: sink})

			select {
			case r := <-runAsync(t, s, context.Background(), tt.plan):
				require.NoError(t, r.err)
				assert.False(t, r.res.Complete())
				assert.ElementsMatch(t, tt.stuck, r.res.Deadlocked)
			case <-time.After(2 * time.Second):
				t.Fatal("scheduler hung on an unsatisfiable plan")
			}
			assert.Len(t, sink.decisions(events.DecisionDeadlock), 1)
		})
	}
}

func TestScheduler_ManualStepNeverAutoRuns(t *testing.T) {
	sink := &recordingSink{}
	exec := newFakeExec(func(context.Context, run.TaskStep) Outcome { return OutcomeCompleted })
	exec.manual["x"] = true
	gate := newFakeGate(context.Background())
	s := New(exec, gate, Options{Concurrency: 4, Sink: sink})

	done := runAsync(t, s, context.Background(), steps(step("a"), step("x", "a"), step("after", "x")))

	require.Eventually(t, func() bool { return len(sink.decisions(events.DecisionBlock)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, exec.countStarts("x"))
	assert.Equal(t, 0, exec.countStarts("after"))
	select {
	case <-done:
		t.Fatal("scheduler must wait for the manual step, not report deadlock")
	default:
	}

	// Every pass parks the node again; the decision is announced once.
	gate.notify()
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.blocked) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.decisions(events.DecisionBlock), 1)

	// A manual turn settles the node outside the scheduler.
	exec.settleExternally("x", OutcomeCompleted)
	gate.notify()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.res.Complete())
		assert.Equal(t, 0, exec.countStarts("x"))
		assert.Equal(t, 1, exec.countStarts("after"))
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not continue after the manual turn")
	}
}

func TestScheduler_PauseResumeRoundTrip(t *testing.T) {
	release := make(chan struct{})
	var completions sync.Map
	exec := newFakeExec(func(ctx context.Context, st run.TaskStep) Outcome {
		if st.ID == "quick" {
			return OutcomeCompleted
		}
		select {
		case <-ctx.Done():
			return OutcomeInterrupted
		case <-release:
		}
		if _, dup := completions.LoadOrStore(st.ID, true); dup {
			t.Errorf("step %s completed twice", st.ID)
		}
		return OutcomeCompleted
	})
	gate := newFakeGate(context.Background())
	s := New(exec, gate, Options{Concurrency: 2})

	done := runAsync(t, s, context.Background(), steps(step("quick"), step("slow1", "quick"), step("slow2", "quick")))

	require.Eventually(t, func() bool { return exec.countStarts("slow1") == 1 && exec.countStarts("slow2") == 1 }, time.Second, 5*time.Millisecond)
	gate.pause()
	gate.pause() // idempotent

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, exec.countStarts("slow1"), "no launches while paused")

	close(release)
	gate.resume()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.res.Complete())
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not finish after resume")
	}
	assert.Equal(t, 1, exec.countStarts("quick"), "completed steps are never re-run")
	assert.Equal(t, 2, exec.countStarts("slow1"), "interrupted steps are retried")
	assert.Equal(t, 2, exec.countStarts("slow2"))
}

func TestScheduler_SuspendedModeBlocksLaunches(t *testing.T) {
	sink := &recordingSink{}
	exec := newFakeExec(func(context.Context, run.TaskStep) Outcome { return OutcomeCompleted })
	gate := newFakeGate(context.Background())
	gate.setSuspended(true)
	s := New(exec, gate, Options{Concurrency: 2, Sink: sink})

	done := runAsync(t, s, context.Background(), steps(step("a"), step("b", "a")))

	require.Eventually(t, func() bool { return len(sink.decisions(events.DecisionAwaitPrompt)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.startedSnapshot())
	exec.mu.Lock()
	assert.Equal(t, []string{"a"}, exec.handed)
	exec.mu.Unlock()

	gate.setSuspended(false)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.res.Complete())
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not resume launching in AUTO mode")
	}
}

func TestScheduler_SuspendDoesNotCancelRunning(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExec(func(ctx context.Context, st run.TaskStep) Outcome {
		if st.ID == "long" {
			select {
			case <-release:
			case <-ctx.Done():
				return OutcomeInterrupted
			}
		}
		return OutcomeCompleted
	})
	gate := newFakeGate(context.Background())
	s := New(exec, gate, Options{Concurrency: 1})

	done := runAsync(t, s, context.Background(), steps(step("long"), step("next", "long")))
	require.Eventually(t, func() bool { return exec.countStarts("long") == 1 }, time.Second, 5*time.Millisecond)

	gate.setSuspended(true)
	close(release)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, exec.countStarts("next"))

	gate.setSuspended(false)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCompleted, r.res.Outcomes["long"], "running step finished despite the mode change")
	assert.Equal(t, 1, exec.countStarts("long"))
}

func TestScheduler_StopAborts(t *testing.T) {
	errStop := errors.New("stopped")
	root, cancel := context.WithCancelCause(context.Background())
	exec := newFakeExec(func(ctx context.Context, _ run.TaskStep) Outcome {
		<-ctx.Done()
		return OutcomeInterrupted
	})
	gate := newFakeGate(root)
	s := New(exec, gate, Options{Concurrency: 2})

	done := runAsync(t, s, root, steps(step("a"), step("b")))
	require.Eventually(t, func() bool { return len(exec.startedSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel(errStop)

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, ErrAborted)
		assert.ErrorIs(t, r.err, errStop)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not abort on stop")
	}
}

func TestScheduler_StopWhilePaused(t *testing.T) {
	root, cancel := context.WithCancelCause(context.Background())
	exec := newFakeExec(func(ctx context.Context, _ run.TaskStep) Outcome {
		<-ctx.Done()
		return OutcomeInterrupted
	})
	gate := newFakeGate(root)
	s := New(exec, gate, Options{Concurrency: 1})

	done := runAsync(t, s, root, steps(step("a")))
	require.Eventually(t, func() bool { return len(exec.startedSnapshot()) == 1 }, time.Second, 5*time.Millisecond)
	gate.pause()
	time.Sleep(20 * time.Millisecond)
	cancel(errors.New("stopped"))

	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not release the pause wait")
	}
}

func TestScheduler_SkippedStepCountsAsSettled(t *testing.T) {
	sink := &recordingSink{}
	exec := newFakeExec(func(_ context.Context, st run.TaskStep) Outcome {
		if st.ID == "a" {
			return OutcomeSkipped
		}
		return OutcomeCompleted
	})
	s := New(exec, newFakeGate(context.Background()), Options{Concurrency: 1, Sink: sink})

	res, err := s.Run(context.Background(), steps(step("a"), step("b", "a")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcomes["a"])
	assert.Equal(t, OutcomeCompleted, res.Outcomes["b"])
	assert.Len(t, sink.decisions(events.DecisionSkip), 1)
}

func TestScheduler_FileLocksSerializeSteps(t *testing.T) {
	var current, peak int32
	exec := newFakeExec(func(_ context.Context, _ run.TaskStep) Outcome {
		n := atomic.AddInt32(&current, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return OutcomeCompleted
	})
	s := New(exec, newFakeGate(context.Background()), Options{Concurrency: 3})

	plan := []run.TaskStep{
		{ID: "a", Files: []string{"main.go"}},
		{ID: "b", Files: []string{"main.go", "util.go"}},
		{ID: "c", Files: []string{"util.go", "main.go"}},
	}
	res, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestScheduler_EmptyPlan(t *testing.T) {
	exec := newFakeExec(func(context.Context, run.TaskStep) Outcome { return OutcomeCompleted })
	res, err := New(exec, newFakeGate(context.Background()), Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Complete())
}
