// Package executor invokes a single phase's handler: an external
// code-generation agent process or a builtin registered in-process.
//
// The agent contract at this boundary: the process receives the task
// context as JSON on stdin and reports a structured JSON result on
// stdout. Non-zero exit status or malformed structured output is a
// phase failure eligible for retry. Raw combined output is captured to
// a log file regardless of outcome.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/praxislabs/conduct/internal/workflow"
)

const instrumentationName = "github.com/praxislabs/conduct/internal/executor"

// ErrMalformedOutput marks agent output that is not valid structured
// JSON. Classified as a validation failure.
var ErrMalformedOutput = errors.New("executor: malformed structured output")

// TaskContext is everything a phase handler receives. Credentials and
// endpoints ride along as opaque values; the engine never inspects
// them.
type TaskContext struct {
	WorkflowID  string            `json:"workflow_id"`
	Phase       string            `json:"phase"`
	Task        workflow.Task     `json:"task"`
	Session     map[string]string `json:"session,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
}

// BuiltinHandler is an in-process phase handler registered by name.
type BuiltinHandler func(ctx context.Context, tc TaskContext) (map[string]any, error)

// ExecuteRequest is one phase attempt.
type ExecuteRequest struct {
	Phase   *workflow.Phase
	Context TaskContext
}

// Config configures the executor.
type Config struct {
	// LogDir is where raw phase output is captured.
	LogDir string

	// AgentRate throttles external agent spawns (default: 1/s,
	// burst 2). Respects provider-side rate limits across parallel
	// batches.
	AgentRate  rate.Limit
	AgentBurst int

	// Environment is the opaque credential/endpoint context read
	// once at startup and passed through to handlers.
	Environment map[string]string
}

// Executor runs phase handlers with a bounded timeout.
type Executor struct {
	config   *Config
	builtins map[string]BuiltinHandler
	limiter  *rate.Limiter
	logger   *zap.Logger

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	executeCounter metric.Int64Counter
	timeoutCounter metric.Int64Counter
}

// New creates an executor.
func New(cfg *Config, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("executor: config is required")
	}
	if cfg.LogDir == "" {
		return nil, errors.New("executor: log directory is required")
	}
	if cfg.AgentRate == 0 {
		cfg.AgentRate = rate.Limit(1)
	}
	if cfg.AgentBurst == 0 {
		cfg.AgentBurst = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		config:   cfg,
		builtins: make(map[string]BuiltinHandler),
		limiter:  rate.NewLimiter(cfg.AgentRate, cfg.AgentBurst),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Executor) initMetrics() {
	var err error

	e.executeCounter, err = e.meter.Int64Counter(
		"conduct.executor.executions_total",
		metric.WithDescription("Total phase handler executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		e.logger.Warn("failed to create execute counter", zap.Error(err))
	}

	e.timeoutCounter, err = e.meter.Int64Counter(
		"conduct.executor.timeouts_total",
		metric.WithDescription("Phase executions cancelled by timeout"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		e.logger.Warn("failed to create timeout counter", zap.Error(err))
	}
}

// RegisterBuiltin registers an in-process handler under name.
func (e *Executor) RegisterBuiltin(name string, h BuiltinHandler) {
	e.builtins[name] = h
}

// Builtins returns the registered builtin names, for spec validation.
func (e *Executor) Builtins() map[string]bool {
	names := make(map[string]bool, len(e.builtins))
	for name := range e.builtins {
		names[name] = true
	}
	return names
}

// Execute runs one attempt of a phase under its timeout. The returned
// error is the raw failure for the recovery engine to classify; a
// deadline hit surfaces as context.DeadlineExceeded.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*workflow.PhaseResult, error) {
	ctx, span := e.tracer.Start(ctx, "executor.execute")
	defer span.End()

	phase := req.Phase
	span.SetAttributes(
		attribute.String("phase", phase.Name),
		attribute.String("handler_kind", string(phase.Handler.Kind)),
	)

	tc := req.Context
	tc.Phase = phase.Name
	if tc.Environment == nil {
		tc.Environment = e.config.Environment
	}

	result := &workflow.PhaseResult{
		Phase:     phase.Name,
		StartedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, phase.Timeout)
	defer cancel()

	var (
		output map[string]any
		err    error
	)
	switch phase.Handler.Kind {
	case workflow.HandlerBuiltin:
		output, err = e.runBuiltin(ctx, phase, tc)
	case workflow.HandlerAgent:
		output, result.RawLogPath, err = e.runAgent(ctx, phase, tc)
	default:
		err = fmt.Errorf("unknown handler kind %q", phase.Handler.Kind)
	}

	result.CompletedAt = time.Now().UTC()
	if e.executeCounter != nil {
		e.executeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase.Name),
			attribute.Bool("success", err == nil),
		))
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if e.timeoutCounter != nil {
				e.timeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase.Name)))
			}
			err = fmt.Errorf("phase %s exceeded timeout %s: %w", phase.Name, phase.Timeout, context.DeadlineExceeded)
		}
		result.Status = workflow.StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		return result, err
	}

	result.Status = workflow.StatusCompleted
	result.Output = output
	return result, nil
}

func (e *Executor) runBuiltin(ctx context.Context, phase *workflow.Phase, tc TaskContext) (map[string]any, error) {
	h, ok := e.builtins[phase.Handler.Builtin]
	if !ok {
		return nil, fmt.Errorf("unknown builtin handler %q", phase.Handler.Builtin)
	}
	return h(ctx, tc)
}

// runAgent spawns the external agent process, feeding the task context
// on stdin and capturing combined output to the raw log.
func (e *Executor) runAgent(ctx context.Context, phase *workflow.Phase, tc TaskContext) (map[string]any, string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	logPath, logFile, err := e.openLog(tc.WorkflowID, phase.Name)
	if err != nil {
		return nil, "", err
	}
	defer logFile.Close()

	input, err := json.Marshal(tc)
	if err != nil {
		return nil, logPath, fmt.Errorf("encoding task context: %w", err)
	}

	cmd := exec.CommandContext(ctx, phase.Handler.Command[0], phase.Handler.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	if tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}

	var stdout bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, logFile)
	cmd.Stderr = logFile

	e.logger.Info("spawning agent",
		zap.String("phase", phase.Name),
		zap.String("command", phase.Handler.Command[0]),
		zap.Duration("timeout", phase.Timeout),
	)

	if err := cmd.Run(); err != nil {
		// A killed process reports an exit error; surface the
		// deadline so the failure classifies as timeout.
		if ctx.Err() != nil {
			return nil, logPath, ctx.Err()
		}
		return nil, logPath, fmt.Errorf("agent exited: %w", err)
	}

	output, err := decodeStructuredOutput(stdout.Bytes())
	if err != nil {
		return nil, logPath, err
	}
	return output, logPath, nil
}

func (e *Executor) openLog(workflowID, phase string) (string, *os.File, error) {
	dir := filepath.Join(e.config.LogDir, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.log", phase, time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("creating raw log: %w", err)
	}
	return path, f, nil
}

// decodeStructuredOutput parses the last JSON object on stdout. Agents
// may print progress lines first; only the final line needs to be the
// structured result.
func decodeStructuredOutput(raw []byte) (map[string]any, error) {
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(line, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: no JSON object on stdout", ErrMalformedOutput)
}
