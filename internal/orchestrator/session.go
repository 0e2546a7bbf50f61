package orchestrator

import (
	"fmt"
	"sync"

	"github.com/praxislabs/conduct/internal/workflow"
)

// session accumulates per-phase summaries over one run. Completed
// phases contribute context to later phases without the orchestrator
// interpreting agent output beyond the summary field.
type session struct {
	mu        sync.Mutex
	summaries map[string]string
}

func newSession() *session {
	return &session{summaries: make(map[string]string)}
}

// record stores the summary for a completed phase. Agents report an
// optional "summary" string in their structured output; absent that,
// a terse completion note is kept so dependents still see the phase
// in their session context.
func (s *session) record(phase string, result *workflow.PhaseResult) {
	summary := fmt.Sprintf("completed in %d attempt(s)", result.Attempts)
	if v, ok := result.Output["summary"].(string); ok && v != "" {
		summary = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[phase] = summary
}

// snapshot returns a copy safe to hand to a phase handler.
func (s *session) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.summaries))
	for k, v := range s.summaries {
		out[k] = v
	}
	return out
}
