package agent

import "encoding/json"

// Event is one normalized lifecycle event from a turn. The set is closed;
// consumers switch on the concrete type.
type Event interface {
	agentEvent()
}

// Progress is a human-readable status update from the agent.
type Progress struct {
	Message string
}

// Log is a raw line the dialect could not interpret.
type Log struct {
	Line   string
	Stderr bool
}

// StructuredOutput carries a JSON payload the agent produced.
type StructuredOutput struct {
	Data json.RawMessage
}

// ToolProposed is emitted before the agent uses a tool. Risky tools require approval.
type ToolProposed struct {
	ToolID string
	Name   string
	Input  string
	Risky  bool
}

// ToolStarted is emitted when a tool begins executing.
type ToolStarted struct {
	ToolID string
	Name   string
}

// ToolCompleted is emitted when a tool returns.
type ToolCompleted struct {
	ToolID string
	Name   string
	Output string
	Failed bool
}

// SessionEstablished reports the session id to pass on the next turn.
type SessionEstablished struct {
	SessionID string
}

// FinalResult is the last event of a successful turn.
type FinalResult struct {
	Text       string
	Structured json.RawMessage
	IsError    bool
}

// Failed ends a turn that could not complete.
type Failed struct {
	Err error
}

func (Progress) agentEvent()           {}
func (Log) agentEvent()                {}
func (StructuredOutput) agentEvent()   {}
func (ToolProposed) agentEvent()       {}
func (ToolStarted) agentEvent()        {}
func (ToolCompleted) agentEvent()      {}
func (SessionEstablished) agentEvent() {}
func (FinalResult) agentEvent()        {}
func (Failed) agentEvent()             {}
