package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuiltins() map[string]bool {
	return map[string]bool{"scout": true}
}

func validSpec() *Spec {
	return &Spec{
		Name: "pipeline",
		Phases: []Phase{
			{Name: "scout", Handler: Handler{Kind: HandlerBuiltin, Builtin: "scout"}},
			{Name: "plan", Handler: Handler{Kind: HandlerAgent, Command: []string{"planner"}}, DependsOn: []string{"scout"}},
			{Name: "build", Handler: Handler{Kind: HandlerAgent, Command: []string{"builder"}}, DependsOn: []string{"plan"}},
			{Name: "test", Handler: Handler{Kind: HandlerAgent, Command: []string{"tester"}}, DependsOn: []string{"build"}},
			{Name: "review", Handler: Handler{Kind: HandlerAgent, Command: []string{"reviewer"}}, DependsOn: []string{"build"}},
		},
	}
}

func TestParseSpec(t *testing.T) {
	content := []byte(`
name: pipeline
max_parallel: 2
failure_policy: continue
phases:
  - name: scout
    handler:
      kind: builtin
      builtin: scout
  - name: plan
    handler:
      kind: agent
      command: ["planner", "--json"]
    timeout: 10m
    max_retries: 2
    depends_on: [scout]
`)

	spec, err := ParseSpec(content, testBuiltins())
	require.NoError(t, err)

	assert.Equal(t, "pipeline", spec.Name)
	assert.Equal(t, 2, spec.MaxParallel)
	assert.Equal(t, FailureContinue, spec.FailurePolicy)
	require.Len(t, spec.Phases, 2)

	plan := spec.PhaseByName("plan")
	require.NotNil(t, plan)
	assert.Equal(t, []string{"planner", "--json"}, plan.Handler.Command)
	assert.Equal(t, 10*time.Minute, plan.Timeout)
	assert.Equal(t, 2, plan.MaxRetries)
	assert.Equal(t, []string{"scout"}, plan.DependsOn)
}

func TestParseSpecInvalidYAML(t *testing.T) {
	_, err := ParseSpec([]byte("{not yaml"), testBuiltins())
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestApplyDefaults(t *testing.T) {
	spec := validSpec()
	spec.ApplyDefaults()

	assert.Equal(t, DefaultMaxParallel, spec.MaxParallel)
	assert.Equal(t, FailureStop, spec.FailurePolicy)
	for _, p := range spec.Phases {
		assert.Equal(t, DefaultPhaseTimeout, p.Timeout)
		assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s *Spec) {},
		},
		{
			name:    "no phases",
			mutate:  func(s *Spec) { s.Phases = nil },
			wantErr: "no phases",
		},
		{
			name:    "duplicate phase name",
			mutate:  func(s *Spec) { s.Phases[1].Name = "scout" },
			wantErr: "duplicate phase name",
		},
		{
			name:    "empty phase name",
			mutate:  func(s *Spec) { s.Phases[0].Name = "" },
			wantErr: "has no name",
		},
		{
			name:    "agent without command",
			mutate:  func(s *Spec) { s.Phases[1].Handler.Command = nil },
			wantErr: "no command",
		},
		{
			name:    "unknown builtin",
			mutate:  func(s *Spec) { s.Phases[0].Handler.Builtin = "oracle" },
			wantErr: "unknown builtin handler",
		},
		{
			name:    "unknown handler kind",
			mutate:  func(s *Spec) { s.Phases[0].Handler.Kind = "plugin" },
			wantErr: "unknown handler kind",
		},
		{
			name:    "unknown dependency",
			mutate:  func(s *Spec) { s.Phases[1].DependsOn = []string{"missing"} },
			wantErr: "unknown phase",
		},
		{
			name:    "self dependency",
			mutate:  func(s *Spec) { s.Phases[1].DependsOn = []string{"plan"} },
			wantErr: "depends on itself",
		},
		{
			name:    "unknown failure policy",
			mutate:  func(s *Spec) { s.FailurePolicy = "retry" },
			wantErr: "unknown failure_policy",
		},
		{
			name: "dependency cycle",
			mutate: func(s *Spec) {
				s.Phases[1].DependsOn = []string{"scout", "test"}
			},
			wantErr: "cyclic depends_on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			spec.ApplyDefaults()

			err := spec.Validate(testBuiltins())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSpec)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindCycleReportsMembers(t *testing.T) {
	spec := &Spec{
		Name: "cyclic",
		Phases: []Phase{
			{Name: "a", Handler: Handler{Kind: HandlerAgent, Command: []string{"x"}}, DependsOn: []string{"c"}},
			{Name: "b", Handler: Handler{Kind: HandlerAgent, Command: []string{"x"}}, DependsOn: []string{"a"}},
			{Name: "c", Handler: Handler{Kind: HandlerAgent, Command: []string{"x"}}, DependsOn: []string{"b"}},
			{Name: "d", Handler: Handler{Kind: HandlerAgent, Command: []string{"x"}}},
		},
	}
	spec.ApplyDefaults()

	err := spec.Validate(testBuiltins())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
	assert.Contains(t, err.Error(), "c")
	assert.NotContains(t, err.Error(), "d")
}

func TestDependents(t *testing.T) {
	spec := validSpec()
	spec.ApplyDefaults()

	assert.Equal(t, []string{"build", "test", "review"}, spec.Dependents("plan"))
	assert.Equal(t, []string{"test", "review"}, spec.Dependents("build"))
	assert.Empty(t, spec.Dependents("test"))
}
