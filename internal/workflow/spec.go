package workflow

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxSpecFileSize = 1024 * 1024 // 1MB

// ErrInvalidSpec marks configuration-time validation failures. These are
// fatal and reported before any phase runs.
var ErrInvalidSpec = errors.New("invalid workflow spec")

// Default phase settings applied when a spec omits them.
const (
	DefaultPhaseTimeout = 5 * time.Minute
	DefaultMaxRetries   = 3
	DefaultMaxParallel  = 4
)

// Spec is a read-only workflow definition: a dependency graph of phases
// plus global execution options.
type Spec struct {
	Name          string        `json:"name" koanf:"name"`
	Phases        []Phase       `json:"phases" koanf:"phases"`
	MaxParallel   int           `json:"max_parallel" koanf:"max_parallel"`
	FailurePolicy FailurePolicy `json:"failure_policy" koanf:"failure_policy"`
}

// LoadSpec parses a workflow spec from a YAML file, applies defaults,
// and validates it. builtins is the set of registered builtin handler
// names; unknown names are rejected here, not at execution time.
func LoadSpec(path string, builtins map[string]bool) (*Spec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if info.Size() > maxSpecFileSize {
		return nil, fmt.Errorf("%w: spec file too large: %d bytes (max %d)", ErrInvalidSpec, info.Size(), maxSpecFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return ParseSpec(content, builtins)
}

// ParseSpec parses a workflow spec from raw YAML bytes.
func ParseSpec(content []byte, builtins map[string]bool) (*Spec, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	var spec Spec
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	spec.ApplyDefaults()
	if err := spec.Validate(builtins); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ApplyDefaults fills in unset per-phase and global options.
func (s *Spec) ApplyDefaults() {
	if s.MaxParallel == 0 {
		s.MaxParallel = DefaultMaxParallel
	}
	if s.FailurePolicy == "" {
		s.FailurePolicy = FailureStop
	}
	for i := range s.Phases {
		if s.Phases[i].Timeout == 0 {
			s.Phases[i].Timeout = DefaultPhaseTimeout
		}
		if s.Phases[i].MaxRetries == 0 {
			s.Phases[i].MaxRetries = DefaultMaxRetries
		}
	}
}

// Validate checks the spec for configuration errors: empty or duplicate
// phase names, unknown handler kinds or builtin names, unknown
// dependencies, and cyclic depends_on relationships. A cycle is fatal;
// the workflow never starts.
func (s *Spec) Validate(builtins map[string]bool) error {
	if len(s.Phases) == 0 {
		return fmt.Errorf("%w: no phases defined", ErrInvalidSpec)
	}
	if s.MaxParallel < 1 {
		return fmt.Errorf("%w: max_parallel must be at least 1", ErrInvalidSpec)
	}
	switch s.FailurePolicy {
	case FailureStop, FailureContinue:
	default:
		return fmt.Errorf("%w: unknown failure_policy %q", ErrInvalidSpec, s.FailurePolicy)
	}

	seen := make(map[string]bool, len(s.Phases))
	for i := range s.Phases {
		p := &s.Phases[i]
		if p.Name == "" {
			return fmt.Errorf("%w: phase %d has no name", ErrInvalidSpec, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate phase name %q", ErrInvalidSpec, p.Name)
		}
		seen[p.Name] = true

		switch p.Handler.Kind {
		case HandlerAgent:
			if len(p.Handler.Command) == 0 {
				return fmt.Errorf("%w: phase %q: agent handler has no command", ErrInvalidSpec, p.Name)
			}
		case HandlerBuiltin:
			if !builtins[p.Handler.Builtin] {
				return fmt.Errorf("%w: phase %q: unknown builtin handler %q", ErrInvalidSpec, p.Name, p.Handler.Builtin)
			}
		default:
			return fmt.Errorf("%w: phase %q: unknown handler kind %q", ErrInvalidSpec, p.Name, p.Handler.Kind)
		}

		if p.Timeout <= 0 {
			return fmt.Errorf("%w: phase %q: timeout must be positive", ErrInvalidSpec, p.Name)
		}
		if p.MaxRetries < 1 {
			return fmt.Errorf("%w: phase %q: max_retries must be at least 1", ErrInvalidSpec, p.Name)
		}
	}

	for i := range s.Phases {
		p := &s.Phases[i]
		for _, dep := range p.DependsOn {
			if dep == p.Name {
				return fmt.Errorf("%w: phase %q depends on itself", ErrInvalidSpec, p.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: phase %q depends on unknown phase %q", ErrInvalidSpec, p.Name, dep)
			}
		}
	}

	if cycle := s.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("%w: cyclic depends_on involving phases %v", ErrInvalidSpec, cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the phases left with
// unresolved dependencies, which are exactly the members of cycles.
func (s *Spec) findCycle() []string {
	indegree := make(map[string]int, len(s.Phases))
	dependents := make(map[string][]string, len(s.Phases))
	for i := range s.Phases {
		p := &s.Phases[i]
		indegree[p.Name] += 0
		for _, dep := range p.DependsOn {
			indegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var queue []string
	for i := range s.Phases {
		if indegree[s.Phases[i].Name] == 0 {
			queue = append(queue, s.Phases[i].Name)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved == len(s.Phases) {
		return nil
	}
	var cycle []string
	for i := range s.Phases {
		if indegree[s.Phases[i].Name] > 0 {
			cycle = append(cycle, s.Phases[i].Name)
		}
	}
	return cycle
}

// PhaseByName returns the named phase, or nil.
func (s *Spec) PhaseByName(name string) *Phase {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// Dependents returns the transitive dependents of the named phase, in
// declaration order.
func (s *Spec) Dependents(name string) []string {
	direct := make(map[string][]string, len(s.Phases))
	for i := range s.Phases {
		p := &s.Phases[i]
		for _, dep := range p.DependsOn {
			direct[dep] = append(direct[dep], p.Name)
		}
	}

	reached := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range direct[cur] {
			if !reached[next] {
				reached[next] = true
				stack = append(stack, next)
			}
		}
	}

	var out []string
	for i := range s.Phases {
		if reached[s.Phases[i].Name] {
			out = append(out, s.Phases[i].Name)
		}
	}
	return out
}
