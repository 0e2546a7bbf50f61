// Package orchestrator drives workflow runs: it schedules phases by
// dependency readiness, persists state after every transition, commits
// parallel batch output once per batch, and checkpoints on failure so
// runs can resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/praxislabs/conduct/internal/executor"
	"github.com/praxislabs/conduct/internal/recovery"
	"github.com/praxislabs/conduct/internal/statestore"
	"github.com/praxislabs/conduct/internal/vcs"
	"github.com/praxislabs/conduct/internal/workflow"
)

const instrumentationName = "github.com/praxislabs/conduct/internal/orchestrator"

// recoveryStatsKey is where the engine's advisory telemetry persists
// across runs.
const recoveryStatsKey = "recovery/stats"

// StateKey returns the store key for a workflow's state document.
func StateKey(workflowID string) string {
	return "workflows/" + workflowID + "/state"
}

// Orchestrator owns workflow execution. All state mutation happens on
// the orchestrator's goroutine; batch workers only produce results.
type Orchestrator struct {
	store     statestore.Store
	executor  *executor.Executor
	engine    *recovery.Engine
	workspace *vcs.Workspace
	workDir   string
	logger    *zap.Logger

	// Telemetry
	tracer       trace.Tracer
	meter        metric.Meter
	runCounter   metric.Int64Counter
	phaseCounter metric.Int64Counter
}

// New creates an orchestrator. workspace may be nil when the work
// directory is not under version control; batch commits are skipped.
func New(store statestore.Store, exec *executor.Executor, engine *recovery.Engine, workspace *vcs.Workspace, workDir string, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if exec == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if engine == nil {
		return nil, errors.New("orchestrator: recovery engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:     store,
		executor:  exec,
		engine:    engine,
		workspace: workspace,
		workDir:   workDir,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (o *Orchestrator) initMetrics() {
	var err error

	o.runCounter, err = o.meter.Int64Counter(
		"conduct.orchestrator.runs_total",
		metric.WithDescription("Workflow runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create run counter", zap.Error(err))
	}

	o.phaseCounter, err = o.meter.Int64Counter(
		"conduct.orchestrator.phases_total",
		metric.WithDescription("Phase completions by status"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		o.logger.Warn("failed to create phase counter", zap.Error(err))
	}
}

// Run executes a workflow spec against a task. Phase failures are
// reported in the result, not as an error; the error return is for
// infrastructure faults (state persistence, cancellation).
func (o *Orchestrator) Run(ctx context.Context, spec *workflow.Spec, task workflow.Task) (*workflow.Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	state := workflow.NewState(task, spec)
	o.logger.Info("starting workflow",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("spec", spec.Name),
		zap.Int("phases", len(spec.Phases)),
	)
	return o.run(ctx, spec, state)
}

// Resume reloads a workflow's state, reopens failed and interrupted
// phases, and continues the run. Completed phases are not re-executed.
func (o *Orchestrator) Resume(ctx context.Context, spec *workflow.Spec, workflowID string) (*workflow.Result, error) {
	var state workflow.State
	if err := o.store.Load(ctx, StateKey(workflowID), &state); err != nil {
		return nil, fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}
	if state.SpecName != "" && state.SpecName != spec.Name {
		return nil, fmt.Errorf("workflow %s was started from spec %q, not %q", workflowID, state.SpecName, spec.Name)
	}

	reopened := state.Reopen()
	o.logger.Info("resuming workflow",
		zap.String("workflow_id", workflowID),
		zap.Strings("reopened", reopened),
	)
	return o.run(ctx, spec, &state)
}

// State loads the current state document for a workflow.
func (o *Orchestrator) State(ctx context.Context, workflowID string) (*workflow.State, error) {
	var state workflow.State
	if err := o.store.Load(ctx, StateKey(workflowID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Workflows lists the IDs of all persisted workflows, sorted.
func (o *Orchestrator) Workflows(ctx context.Context) ([]string, error) {
	keys, err := o.store.Keys(ctx, "workflows/")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) == 3 && parts[2] == "state" {
			ids = append(ids, parts[1])
		}
	}
	return ids, nil
}

func (o *Orchestrator) run(ctx context.Context, spec *workflow.Spec, state *workflow.State) (*workflow.Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", state.WorkflowID))

	if prev := o.loadStats(ctx); prev != nil {
		o.engine.LoadSnapshot(prev)
	}

	state.Status = workflow.StatusRunning
	if err := o.saveState(ctx, state); err != nil {
		return nil, err
	}

	sess := newSession()
	for name, res := range state.Results {
		if res.Status == workflow.StatusCompleted {
			sess.record(name, res)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			state.Status = workflow.StatusFailed
			_ = o.saveState(ctx, state)
			return o.finalize(ctx, spec, state), err
		}

		ready := o.ready(spec, state)
		if len(ready) == 0 {
			break
		}

		for _, name := range ready {
			if err := state.Transition(name, workflow.StatusRunning); err != nil {
				return nil, err
			}
		}
		if err := o.saveState(ctx, state); err != nil {
			return nil, err
		}

		results := o.runBatch(ctx, spec, state, sess, ready)
		halted, err := o.applyResults(ctx, spec, state, sess, results)
		if err != nil {
			return nil, err
		}

		o.commitBatch(ctx, state, results)

		if halted {
			state.Status = workflow.StatusFailed
			if err := o.saveState(ctx, state); err != nil {
				return nil, err
			}
			return o.finalize(ctx, spec, state), nil
		}
	}

	// Anything still pending has an unsatisfiable dependency chain
	// (a failed upstream under the continue policy).
	for i := range spec.Phases {
		name := spec.Phases[i].Name
		if state.Phases[name] == workflow.StatusPending {
			_ = state.Transition(name, workflow.StatusSkipped)
		}
	}

	state.Status = workflow.StatusCompleted
	for _, st := range state.Phases {
		if st == workflow.StatusFailed {
			state.Status = workflow.StatusFailed
			break
		}
	}
	if err := o.saveState(ctx, state); err != nil {
		return nil, err
	}
	return o.finalize(ctx, spec, state), nil
}

// ready returns pending phases whose dependencies are all satisfied,
// in declaration order. Skipped dependencies count as satisfied.
func (o *Orchestrator) ready(spec *workflow.Spec, state *workflow.State) []string {
	var ready []string
	for i := range spec.Phases {
		p := &spec.Phases[i]
		if state.Phases[p.Name] != workflow.StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range p.DependsOn {
			st := state.Phases[dep]
			if st != workflow.StatusCompleted && st != workflow.StatusSkipped {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, p.Name)
		}
	}
	return ready
}

// applyResults folds a batch's results into the state, in declaration
// order. Under the stop policy the first failure halts the run after a
// failure checkpoint; under continue, transitive dependents of the
// failed phase are skipped and the run proceeds.
func (o *Orchestrator) applyResults(ctx context.Context, spec *workflow.Spec, state *workflow.State, sess *session, results []batchResult) (halted bool, err error) {
	for _, br := range results {
		state.Results[br.phase] = br.result
		if terr := state.Transition(br.phase, br.result.Status); terr != nil {
			return false, terr
		}
		if o.phaseCounter != nil {
			o.phaseCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", br.phase),
				attribute.String("status", string(br.result.Status)),
			))
		}

		if br.result.Status == workflow.StatusCompleted {
			sess.record(br.phase, br.result)
			if serr := o.saveState(ctx, state); serr != nil {
				return false, serr
			}
			continue
		}

		o.logger.Error("phase failed",
			zap.String("workflow_id", state.WorkflowID),
			zap.String("phase", br.phase),
			zap.Int("attempts", br.result.Attempts),
			zap.String("error", br.result.Error),
		)

		if spec.FailurePolicy == workflow.FailureStop {
			if serr := o.saveState(ctx, state); serr != nil {
				return false, serr
			}
			o.checkpointFailure(ctx, state.WorkflowID, br.phase)
			halted = true
			continue
		}

		// Continue policy: downstream phases can never run.
		for _, dep := range spec.Dependents(br.phase) {
			if state.Phases[dep] == workflow.StatusPending {
				_ = state.Transition(dep, workflow.StatusSkipped)
				state.Results[dep] = &workflow.PhaseResult{
					Phase:  dep,
					Status: workflow.StatusSkipped,
					Error:  fmt.Sprintf("dependency %s failed", br.phase),
				}
			}
		}
		if serr := o.saveState(ctx, state); serr != nil {
			return false, serr
		}
	}
	return halted, nil
}

// commitBatch makes the single aggregated commit for a batch. Only
// batches with at least one completed phase commit; a clean worktree
// is a no-op inside CommitAll.
func (o *Orchestrator) commitBatch(ctx context.Context, state *workflow.State, results []batchResult) {
	if o.workspace == nil {
		return
	}
	var completed []string
	for _, br := range results {
		if br.result.Status == workflow.StatusCompleted {
			completed = append(completed, br.phase)
		}
	}
	if len(completed) == 0 {
		return
	}

	msg := fmt.Sprintf("%s: %s", state.WorkflowID, strings.Join(completed, ", "))
	hash, err := o.workspace.CommitAll(ctx, msg)
	if err != nil {
		o.logger.Error("batch commit failed", zap.Error(err))
		return
	}
	if hash != "" {
		o.logger.Info("committed batch output",
			zap.String("workflow_id", state.WorkflowID),
			zap.Strings("phases", completed),
			zap.String("hash", hash),
		)
	}
}

// checkpointFailure snapshots all state at the halt point so the run
// can be inspected and resumed. Best effort: a checkpoint failure is
// logged, never escalated.
func (o *Orchestrator) checkpointFailure(ctx context.Context, workflowID, phase string) {
	name := fmt.Sprintf("failure-%s-%s", workflowID, phase)
	info, err := o.store.Checkpoint(ctx, name)
	if err != nil {
		if errors.Is(err, statestore.ErrCheckpointExists) {
			name = fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
			info, err = o.store.Checkpoint(ctx, name)
		}
		if err != nil {
			o.logger.Error("failure checkpoint failed", zap.Error(err))
			return
		}
	}
	o.logger.Info("wrote failure checkpoint",
		zap.String("checkpoint", info.Name),
		zap.Int("documents", len(info.Keys)),
	)
}

// finalize persists the recovery telemetry and assembles the result in
// declaration order.
func (o *Orchestrator) finalize(ctx context.Context, spec *workflow.Spec, state *workflow.State) *workflow.Result {
	if err := o.store.Save(ctx, recoveryStatsKey, o.engine.Snapshot()); err != nil {
		o.logger.Warn("failed to persist recovery stats", zap.Error(err))
	}

	result := &workflow.Result{
		WorkflowID: state.WorkflowID,
		Success:    state.Status == workflow.StatusCompleted,
	}
	for i := range spec.Phases {
		name := spec.Phases[i].Name
		if res, ok := state.Results[name]; ok {
			result.Phases = append(result.Phases, res)
		} else {
			result.Phases = append(result.Phases, &workflow.PhaseResult{
				Phase:  name,
				Status: state.Phases[name],
			})
		}
	}

	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", result.Success)))
	}
	o.logger.Info("workflow finished",
		zap.String("workflow_id", state.WorkflowID),
		zap.Bool("success", result.Success),
		zap.String("status", string(state.Status)),
	)
	return result
}

func (o *Orchestrator) saveState(ctx context.Context, state *workflow.State) error {
	if err := o.store.Save(ctx, StateKey(state.WorkflowID), state); err != nil {
		return fmt.Errorf("persisting workflow state: %w", err)
	}
	return nil
}

func (o *Orchestrator) loadStats(ctx context.Context) *recovery.Stats {
	var stats recovery.Stats
	if err := o.store.Load(ctx, recoveryStatsKey, &stats); err != nil {
		return nil
	}
	return &stats
}
