package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	disabled := false
	spec := validSpec()
	spec.Phases[4].Enabled = &disabled
	spec.ApplyDefaults()

	state := NewState(Task{ID: "wf-1", Description: "demo"}, spec)

	assert.Equal(t, StateSchemaVersion, state.SchemaVersion)
	assert.Equal(t, "wf-1", state.WorkflowID)
	assert.Equal(t, StatusPending, state.Status)
	assert.Equal(t, StatusPending, state.Phases["scout"])
	assert.Equal(t, StatusSkipped, state.Phases["review"], "disabled phases start skipped")
}

func TestTransition(t *testing.T) {
	spec := validSpec()
	spec.ApplyDefaults()
	state := NewState(Task{ID: "wf-1"}, spec)

	require.NoError(t, state.Transition("scout", StatusRunning))
	require.NoError(t, state.Transition("scout", StatusCompleted))
	assert.False(t, state.UpdatedAt.IsZero())

	err := state.Transition("scout", StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")

	err = state.Transition("nope", StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase")
}

func TestReopen(t *testing.T) {
	spec := validSpec()
	spec.ApplyDefaults()
	state := NewState(Task{ID: "wf-1"}, spec)

	require.NoError(t, state.Transition("scout", StatusCompleted))
	require.NoError(t, state.Transition("plan", StatusFailed))
	require.NoError(t, state.Transition("build", StatusRunning))
	state.Results["plan"] = &PhaseResult{Phase: "plan", Status: StatusFailed}
	state.Status = StatusFailed

	reopened := state.Reopen()

	assert.ElementsMatch(t, []string{"plan", "build"}, reopened)
	assert.Equal(t, StatusCompleted, state.Phases["scout"], "completed phases stay completed")
	assert.Equal(t, StatusPending, state.Phases["plan"])
	assert.Equal(t, StatusPending, state.Phases["build"])
	assert.Equal(t, StatusPending, state.Status)
	assert.NotContains(t, state.Results, "plan")
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestPhaseIsEnabled(t *testing.T) {
	var p Phase
	assert.True(t, p.IsEnabled())

	on := true
	p.Enabled = &on
	assert.True(t, p.IsEnabled())

	off := false
	p.Enabled = &off
	assert.False(t, p.IsEnabled())
}
