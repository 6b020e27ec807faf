package events

import (
	"time"

	"github.com/aristath/foreman/internal/run"
)

// Event is the closed set of engine events. The unexported sealed method
// keeps types that do not embed Meta out of the set.
type Event interface {
	EventType() string
	RunID() string
	NodeID() string
	Topic() string
	sealed()
}

// Topic constants
const (
	TopicRun       = "run"
	TopicNode      = "node"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeRunStatus         = "run.status"
	EventTypePhaseChanged      = "run.phase"
	EventTypeModeChanged       = "run.mode"
	EventTypeControl           = "run.control"
	EventTypeVerification      = "run.verification"
	EventTypeAcceptance        = "run.acceptance"
	EventTypePlanWarning       = "run.plan_warning"
	EventTypeNodeCreated       = "node.created"
	EventTypeNodeStatus        = "node.status"
	EventTypeNodeOutput        = "node.output"
	EventTypeNodeControl       = "node.control"
	EventTypeEdgeCreated       = "node.edge"
	EventTypeApprovalRequested = "node.approval_requested"
	EventTypeApprovalResolved  = "node.approval_resolved"
	EventTypeSchedulerDecision = "scheduler.decision"
	EventTypeDAGProgress       = "scheduler.progress"
)

// Meta carries the identity shared by every event.
type Meta struct {
	Run       string    `json:"run_id"`
	Node      string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func (m Meta) RunID() string  { return m.Run }
func (m Meta) NodeID() string { return m.Node }
func (Meta) sealed()          {}

// RunStatusChanged is published when a run's status changes.
type RunStatusChanged struct {
	Meta
	From   run.Status `json:"from"`
	To     run.Status `json:"to"`
	Reason string     `json:"reason,omitempty"`
}

func (RunStatusChanged) EventType() string { return EventTypeRunStatus }
func (RunStatusChanged) Topic() string     { return TopicRun }

// PhaseChanged is published on every phase transition.
type PhaseChanged struct {
	Meta
	From      run.Phase `json:"from"`
	To        run.Phase `json:"to"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason"`
}

func (PhaseChanged) EventType() string { return EventTypePhaseChanged }
func (PhaseChanged) Topic() string     { return TopicRun }

// ModeChanged is published when a run flips between AUTO and INTERACTIVE.
type ModeChanged struct {
	Meta
	Mode run.Mode `json:"mode"`
}

func (ModeChanged) EventType() string { return EventTypeModeChanged }
func (ModeChanged) Topic() string     { return TopicRun }

// ControlAction names a control-surface signal.
type ControlAction string

const (
	ControlPause     ControlAction = "pause"
	ControlResume    ControlAction = "resume"
	ControlStop      ControlAction = "stop"
	ControlInterrupt ControlAction = "interrupt"
)

// ControlSignaled is published when a human pauses, resumes, stops or interrupts a run.
type ControlSignaled struct {
	Meta
	Action ControlAction `json:"action"`
	Detail string        `json:"detail,omitempty"`
}

func (ControlSignaled) EventType() string { return EventTypeControl }
func (ControlSignaled) Topic() string     { return TopicRun }

// VerificationFinished is published after each verification pass.
type VerificationFinished struct {
	Meta
	Passed         bool     `json:"passed"`
	FailedCommands []string `json:"failed_commands,omitempty"`
}

func (VerificationFinished) EventType() string { return EventTypeVerification }
func (VerificationFinished) Topic() string     { return TopicRun }

// AcceptanceEvaluated is published for every criterion evaluation.
type AcceptanceEvaluated struct {
	Meta
	CriterionID string `json:"criterion_id"`
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
}

func (AcceptanceEvaluated) EventType() string { return EventTypeAcceptance }
func (AcceptanceEvaluated) Topic() string     { return TopicRun }

// PlanWarning is published when a normalized plan has structural problems.
type PlanWarning struct {
	Meta
	Detail string `json:"detail"`
}

func (PlanWarning) EventType() string { return EventTypePlanWarning }
func (PlanWarning) Topic() string     { return TopicRun }

// NodeCreated is published when the engine creates a node.
type NodeCreated struct {
	Meta
	StepID string `json:"step_id,omitempty"`
	Title  string `json:"title"`
	Role   string `json:"role"`
}

func (NodeCreated) EventType() string { return EventTypeNodeCreated }
func (NodeCreated) Topic() string     { return TopicNode }

// NodeStatusChanged is published on every node status transition.
type NodeStatusChanged struct {
	Meta
	Title   string         `json:"title"`
	From    run.NodeStatus `json:"from"`
	To      run.NodeStatus `json:"to"`
	Message string         `json:"message,omitempty"`
}

func (NodeStatusChanged) EventType() string { return EventTypeNodeStatus }
func (NodeStatusChanged) Topic() string     { return TopicNode }

// NodeOutput is published for each streamed output line of a node.
type NodeOutput struct {
	Meta
	Line string `json:"line"`
}

func (NodeOutput) EventType() string { return EventTypeNodeOutput }
func (NodeOutput) Topic() string     { return TopicNode }

// NodeControlChanged is published when a node flips between AUTO and MANUAL.
type NodeControlChanged struct {
	Meta
	Control run.Control `json:"control"`
}

func (NodeControlChanged) EventType() string { return EventTypeNodeControl }
func (NodeControlChanged) Topic() string     { return TopicNode }

// EdgeCreated is published when an edge is appended.
type EdgeCreated struct {
	Meta
	EdgeID string       `json:"edge_id"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Kind   run.EdgeKind `json:"kind"`
}

func (EdgeCreated) EventType() string { return EventTypeEdgeCreated }
func (EdgeCreated) Topic() string     { return TopicNode }

// ApprovalRequested is published when an agent proposes a risky tool call.
type ApprovalRequested struct {
	Meta
	ApprovalID string `json:"approval_id"`
	Tool       string `json:"tool"`
}

func (ApprovalRequested) EventType() string { return EventTypeApprovalRequested }
func (ApprovalRequested) Topic() string     { return TopicNode }

// ApprovalResolved is published when a tool approval is decided.
type ApprovalResolved struct {
	Meta
	ApprovalID string `json:"approval_id"`
	Resolution string `json:"resolution"`
	Defaulted  bool   `json:"defaulted"`
}

func (ApprovalResolved) EventType() string { return EventTypeApprovalResolved }
func (ApprovalResolved) Topic() string     { return TopicNode }

// Decision names a scheduling decision.
type Decision string

const (
	DecisionLaunch      Decision = "launch"
	DecisionBlock       Decision = "block"
	DecisionSkip        Decision = "skip"
	DecisionDeadlock    Decision = "deadlock"
	DecisionAwaitMode   Decision = "await_mode"
	DecisionAwaitPrompt Decision = "await_prompt"
	DecisionPauseWait   Decision = "pause_wait"
)

// SchedulerDecision is published for every launch, block, skip or deadlock.
type SchedulerDecision struct {
	Meta
	Decision Decision `json:"decision"`
	StepIDs  []string `json:"step_ids,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

func (SchedulerDecision) EventType() string { return EventTypeSchedulerDecision }
func (SchedulerDecision) Topic() string     { return TopicScheduler }

// DAGProgress is published when EXECUTE progress changes.
type DAGProgress struct {
	Meta
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

func (DAGProgress) EventType() string { return EventTypeDAGProgress }
func (DAGProgress) Topic() string     { return TopicScheduler }

// Header builds the identity block for an event.
func Header(runID, nodeID string) Meta {
	return Meta{Run: runID, Node: nodeID, Timestamp: time.Now()}
}
