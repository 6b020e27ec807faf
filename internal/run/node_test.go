package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from NodeStatus
		to   NodeStatus
		want bool
	}{
		{NodeQueued, NodeRunning, true},
		{NodeQueued, NodeBlockedManualInput, true},
		{NodeQueued, NodeSkipped, true},
		{NodeQueued, NodeCompleted, false},
		{NodeRunning, NodeCompleted, true},
		{NodeRunning, NodeFailed, true},
		{NodeRunning, NodeQueued, true},
		{NodeBlockedManualInput, NodeRunning, true},
		{NodeBlockedManualInput, NodeCompleted, false},
		{NodeCompleted, NodeRunning, false},
		{NodeFailed, NodeRunning, false},
		{NodeSkipped, NodeQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNodeTransition(t *testing.T) {
	n := &Node{ID: "n1", Status: NodeQueued}

	require.NoError(t, n.Transition(NodeRunning))
	require.NoError(t, n.Transition(NodeCompleted))
	assert.True(t, n.Status.Terminal())

	err := n.Transition(NodeRunning)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, NodeCompleted, n.Status)
}

func TestTaskDagClone(t *testing.T) {
	dag := TaskDag{
		Summary: "plan",
		Steps:   []TaskStep{{ID: "a", Deps: []string{"b"}}},
	}
	cp := dag.Clone()
	cp.Steps[0].Deps[0] = "changed"

	assert.Equal(t, "b", dag.Steps[0].Deps[0])

	step, ok := dag.Step("a")
	require.True(t, ok)
	assert.Equal(t, "a", step.ID)

	_, ok = dag.Step("missing")
	assert.False(t, ok)
}
