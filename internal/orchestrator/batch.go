package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/praxislabs/conduct/internal/executor"
	"github.com/praxislabs/conduct/internal/recovery"
	"github.com/praxislabs/conduct/internal/workflow"
)

// batchResult pairs a phase name with its attempt outcome. Results are
// always reported in spec declaration order regardless of which phase
// finished first.
type batchResult struct {
	phase  string
	result *workflow.PhaseResult
}

// runBatch executes the ready set. A single phase runs inline; larger
// sets run concurrently bounded by the spec's max_parallel. Phases in
// a batch are independent by construction, so the only shared state is
// the session snapshot taken before the batch starts.
func (o *Orchestrator) runBatch(ctx context.Context, spec *workflow.Spec, state *workflow.State, sess *session, ready []string) []batchResult {
	results := make([]batchResult, len(ready))

	if len(ready) == 1 {
		name := ready[0]
		results[0] = batchResult{
			phase:  name,
			result: o.runPhase(ctx, spec.PhaseByName(name), state, sess),
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(spec.MaxParallel)
	for i, name := range ready {
		i, name := i, name
		g.Go(func() error {
			results[i] = batchResult{
				phase:  name,
				result: o.runPhase(gctx, spec.PhaseByName(name), state, sess),
			}
			return nil
		})
	}
	// Workers never return errors; failures land in the phase results.
	_ = g.Wait()
	return results
}

// runPhase runs one phase under the recovery engine's retry policy and
// folds the engine outcome into the phase result.
func (o *Orchestrator) runPhase(ctx context.Context, phase *workflow.Phase, state *workflow.State, sess *session) *workflow.PhaseResult {
	req := executor.ExecuteRequest{
		Phase: phase,
		Context: executor.TaskContext{
			WorkflowID: state.WorkflowID,
			Task:       state.Task,
			Session:    sess.snapshot(),
			WorkDir:    o.workDir,
		},
	}

	var last *workflow.PhaseResult
	outcome := o.engine.Do(ctx, recovery.Operation{
		Name:        phase.Name,
		MaxAttempts: phase.MaxRetries,
		Run: func(ctx context.Context) (any, error) {
			res, err := o.executor.Execute(ctx, req)
			last = res
			if err != nil {
				return nil, err
			}
			return res, nil
		},
	})

	if outcome.Succeeded {
		res := outcome.Value.(*workflow.PhaseResult)
		res.Attempts = outcome.Attempts
		return res
	}

	if last == nil {
		last = &workflow.PhaseResult{Phase: phase.Name}
	}
	last.Status = workflow.StatusFailed
	last.Attempts = outcome.Attempts
	last.Strategy = outcome.Strategy
	if last.Error == "" {
		last.Error = outcome.LastError
	}
	return last
}
