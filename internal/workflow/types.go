// Package workflow defines the workflow data model: tasks, phase
// specifications, and the mutable execution state the orchestrator owns.
package workflow

import (
	"fmt"
	"time"
)

// Status represents the execution status of a phase or workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// FailurePolicy controls how the orchestrator reacts to a failed phase.
type FailurePolicy string

const (
	// FailureStop halts the workflow at the first phase failure and
	// writes a checkpoint.
	FailureStop FailurePolicy = "stop"

	// FailureContinue marks the phase failed, skips its transitive
	// dependents, and proceeds with the rest of the graph.
	FailureContinue FailurePolicy = "continue"
)

// HandlerKind identifies how a phase handler is invoked.
type HandlerKind string

const (
	// HandlerAgent spawns an external code-generation agent process.
	HandlerAgent HandlerKind = "agent"

	// HandlerBuiltin runs a handler registered in-process by name.
	HandlerBuiltin HandlerKind = "builtin"
)

// Handler describes how a phase's work is executed.
type Handler struct {
	Kind HandlerKind `json:"kind" koanf:"kind"`

	// Command is the external command for agent handlers. The first
	// element is the binary, the rest are arguments.
	Command []string `json:"command,omitempty" koanf:"command"`

	// Builtin is the registered handler name for builtin handlers.
	Builtin string `json:"builtin,omitempty" koanf:"builtin"`
}

// Phase is one named step in a workflow. Phases are defined once per
// workflow specification and never mutated during execution.
type Phase struct {
	Name       string        `json:"name" koanf:"name"`
	Handler    Handler       `json:"handler" koanf:"handler"`
	Timeout    time.Duration `json:"timeout" koanf:"timeout"`
	MaxRetries int           `json:"max_retries" koanf:"max_retries"`
	DependsOn  []string      `json:"depends_on,omitempty" koanf:"depends_on"`
	Enabled    *bool         `json:"enabled,omitempty" koanf:"enabled"`
}

// IsEnabled returns the effective enabled flag (enabled by default).
func (p *Phase) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Task is a unit of work submitted to the orchestrator. Immutable once
// accepted.
type Task struct {
	// ID is the unique workflow identifier.
	ID string `json:"id"`

	// Description is an opaque human-readable description of the work.
	Description string `json:"description"`

	// SourceRef optionally points at the task origin (issue id, spec
	// file path). The engine never interprets it.
	SourceRef string `json:"source_ref,omitempty"`
}

// PhaseResult captures the outcome of one phase.
type PhaseResult struct {
	Phase       string         `json:"phase"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	Output      map[string]any `json:"output,omitempty"`
	RawLogPath  string         `json:"raw_log_path,omitempty"`
	Error       string         `json:"error,omitempty"`
	Strategy    string         `json:"recovery_strategy,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// StateSchemaVersion is the checkpoint document schema version. Readers
// ignore unknown fields and default missing optional fields, so bumping
// this is only required for incompatible changes.
const StateSchemaVersion = 1

// State is the mutable execution state of one workflow run. It is owned
// exclusively by the orchestrator and written after every phase
// transition.
type State struct {
	SchemaVersion int                     `json:"schema_version"`
	WorkflowID    string                  `json:"workflow_id"`
	Task          Task                    `json:"task"`
	SpecName      string                  `json:"spec_name,omitempty"`
	Phases        map[string]Status       `json:"phase_states"`
	Results       map[string]*PhaseResult `json:"results"`
	Status        Status                  `json:"status"`
	StartedAt     time.Time               `json:"started_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// NewState creates the initial state for a run of spec on task.
// Disabled phases start out skipped; everything else starts pending.
func NewState(task Task, spec *Spec) *State {
	s := &State{
		SchemaVersion: StateSchemaVersion,
		WorkflowID:    task.ID,
		Task:          task,
		SpecName:      spec.Name,
		Phases:        make(map[string]Status, len(spec.Phases)),
		Results:       make(map[string]*PhaseResult, len(spec.Phases)),
		Status:        StatusPending,
		StartedAt:     time.Now().UTC(),
	}
	for i := range spec.Phases {
		p := &spec.Phases[i]
		if p.IsEnabled() {
			s.Phases[p.Name] = StatusPending
		} else {
			s.Phases[p.Name] = StatusSkipped
		}
	}
	return s
}

// Transition moves a phase to the given status. Transitions out of a
// terminal state are rejected; resume-from-checkpoint uses Reopen.
func (s *State) Transition(phase string, to Status) error {
	cur, ok := s.Phases[phase]
	if !ok {
		return fmt.Errorf("unknown phase: %s", phase)
	}
	if cur.Terminal() {
		return fmt.Errorf("phase %s is %s: no transition out of a terminal state", phase, cur)
	}
	s.Phases[phase] = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Reopen moves a previously failed phase back to pending so a resumed
// run can re-attempt it. Returns the names of the phases reopened.
func (s *State) Reopen() []string {
	var reopened []string
	for name, st := range s.Phases {
		if st == StatusFailed || st == StatusRunning {
			s.Phases[name] = StatusPending
			delete(s.Results, name)
			reopened = append(reopened, name)
		}
	}
	if len(reopened) > 0 {
		s.Status = StatusPending
		s.UpdatedAt = time.Now().UTC()
	}
	return reopened
}

// Result is the aggregated outcome of a workflow run. Phase results are
// reported in spec declaration order, not completion order.
type Result struct {
	WorkflowID string         `json:"workflow_id"`
	Success    bool           `json:"success"`
	Phases     []*PhaseResult `json:"phases"`
}
