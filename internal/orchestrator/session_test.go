package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/praxislabs/conduct/internal/workflow"
)

func TestSessionRecordsSummaries(t *testing.T) {
	sess := newSession()

	sess.record("scout", &workflow.PhaseResult{
		Output:   map[string]any{"summary": "found 3 files"},
		Attempts: 1,
	})
	sess.record("plan", &workflow.PhaseResult{Attempts: 2})

	snap := sess.snapshot()
	assert.Equal(t, "found 3 files", snap["scout"])
	assert.Equal(t, "completed in 2 attempt(s)", snap["plan"])
}

func TestSessionSnapshotIsCopy(t *testing.T) {
	sess := newSession()
	sess.record("scout", &workflow.PhaseResult{Attempts: 1})

	snap := sess.snapshot()
	snap["scout"] = "mutated"

	assert.Equal(t, "completed in 1 attempt(s)", sess.snapshot()["scout"])
}
