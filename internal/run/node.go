package run

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned for a status move the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal node transition")

// NodeStatus is the lifecycle status of a node.
type NodeStatus string

const (
	NodeQueued             NodeStatus = "queued"
	NodeRunning            NodeStatus = "running"
	NodeCompleted          NodeStatus = "completed"
	NodeFailed             NodeStatus = "failed"
	NodeSkipped            NodeStatus = "skipped"
	NodeBlockedManualInput NodeStatus = "blocked_manual_input"
)

// Terminal reports whether a node in this status settled its step.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Control decides whether the scheduler may start a node on its own.
type Control string

const (
	ControlAuto   Control = "AUTO"
	ControlManual Control = "MANUAL"
)

// Node kinds recorded in Role for non-step nodes.
const (
	RoleInvestigator = "investigator"
	RolePlanner      = "planner"
	RoleCoder        = "coder"
	RoleFixer        = "fixer"
	RoleDocs         = "docs"
	RoleVerifier     = "verifier"
)

// Node is one delegated unit of agent work.
type Node struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	StepID          string     `json:"step_id,omitempty"`
	Title           string     `json:"title"`
	Role            string     `json:"role"`
	ProviderBinding string     `json:"provider_binding,omitempty"`
	Status          NodeStatus `json:"status"`
	Control         Control    `json:"control"`
	SessionID       string     `json:"session_id,omitempty"`
	TurnCount       int        `json:"turn_count"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ParentNodeID    string     `json:"parent_node_id,omitempty"`
	Iteration       int        `json:"iteration"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	return &cp
}

// legal lists allowed node status transitions. Running nodes revert to
// queued when a pause or stop abandons their in-flight work, and a blocked
// node returns to queued when its control flips back to AUTO.
var legal = map[NodeStatus][]NodeStatus{
	NodeQueued:             {NodeRunning, NodeBlockedManualInput, NodeSkipped},
	NodeRunning:            {NodeCompleted, NodeFailed, NodeSkipped, NodeBlockedManualInput, NodeQueued},
	NodeBlockedManualInput: {NodeRunning, NodeQueued},
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to NodeStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the node to a new status, rejecting illegal moves.
func (n *Node) Transition(to NodeStatus) error {
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: node %s %s -> %s", ErrIllegalTransition, n.ID, n.Status, to)
	}
	n.Status = to
	n.UpdatedAt = time.Now()
	return nil
}

// EdgeKind classifies a relation between two nodes.
type EdgeKind string

const (
	EdgeHandoff    EdgeKind = "handoff"
	EdgeDependency EdgeKind = "dependency"
	EdgeReport     EdgeKind = "report"
	EdgeGate       EdgeKind = "gate"
)

// Edge is an append-only directed relation between nodes.
type Edge struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      EdgeKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}
