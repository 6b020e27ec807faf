// Package agent runs one unit of work against a worker agent CLI and
// normalizes its output into lifecycle events.
package agent

import (
	"context"
	"errors"
	"strings"
)

// Turn is the input for one agent invocation.
type Turn struct {
	RunID     string
	NodeID    string
	Role      string
	Prompt    string
	SessionID string // empty starts a new session
	WorkDir   string
}

// Runner executes turns. The returned channel yields events until the turn
// ends and is then closed; it is not restartable. Cancelling ctx terminates
// the underlying agent.
type Runner interface {
	Run(ctx context.Context, turn Turn) (<-chan Event, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, turn Turn) (<-chan Event, error)

func (f RunnerFunc) Run(ctx context.Context, turn Turn) (<-chan Event, error) { return f(ctx, turn) }

// ErrNoResult is reported when a turn ends without a final result.
var ErrNoResult = errors.New("agent finished without a result")

// Result is the folded outcome of a turn.
type Result struct {
	Text       string
	Structured []byte
	SessionID  string
}

// Collect drains events and folds them into a Result. onEvent, if non-nil,
// sees every event first and may return an error to abort collection.
func Collect(events <-chan Event, onEvent func(Event) error) (Result, error) {
	var (
		res      Result
		final    bool
		failure  error
		handlerE error
		text     strings.Builder
	)
	for ev := range events {
		if onEvent != nil && handlerE == nil {
			handlerE = onEvent(ev)
		}
		switch e := ev.(type) {
		case SessionEstablished:
			res.SessionID = e.SessionID
		case StructuredOutput:
			res.Structured = e.Data
		case Progress:
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(e.Message)
		case FinalResult:
			final = true
			res.Text = e.Text
			if len(e.Structured) > 0 {
				res.Structured = e.Structured
			}
			if e.IsError {
				failure = errors.New(strings.TrimSpace("agent reported error: " + e.Text))
			}
		case Failed:
			failure = e.Err
		}
	}
	if handlerE != nil {
		return res, handlerE
	}
	if failure != nil {
		return res, failure
	}
	if !final {
		if text.Len() == 0 {
			return res, ErrNoResult
		}
		res.Text = text.String()
	}
	return res, nil
}
