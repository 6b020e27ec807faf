package orchestrator

import (
	"errors"

	"github.com/aristath/foreman/internal/run"
	"github.com/aristath/foreman/internal/scheduler"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotActive      = errors.New("run is not active")
	ErrRunActive         = errors.New("run is already active")
	ErrNodeNotFound      = errors.New("node not found")
	ErrCriterionNotFound = errors.New("acceptance criterion not found")
	ErrPromptNotFound    = errors.New("no pending prompt for node")
	ErrIllegalTransition = run.ErrIllegalTransition
	ErrBudgetExhausted   = errors.New("iteration budget exhausted")
	ErrPersistence       = errors.New("persistence failure")

	// ErrPaused and ErrStopped are the cancellation causes of a run's scopes.
	ErrPaused  = errors.New("run paused")
	ErrStopped = errors.New("run stopped")

	ErrRunAborted = scheduler.ErrAborted

	// errSuspended is returned when a launch races with a switch to
	// INTERACTIVE mode or MANUAL node control; the node stays queued.
	errSuspended = errors.New("launch suspended")
)

// fatal reports whether err must end the run loop rather than be absorbed
// into the fix loop.
func fatal(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, ErrPersistence)
}

// interrupted reports whether err is a control signal rather than a failure.
func interrupted(err error) bool {
	return errors.Is(err, ErrPaused) || errors.Is(err, ErrStopped) || errors.Is(err, errSuspended)
}
