package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/praxislabs/conduct/internal/recovery"

// Policy is the per-category retry policy.
type Policy struct {
	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int

	// Retriable false means the first failure goes straight to the
	// fallback value.
	Retriable bool

	// BackoffBase is the exponent base: the wait after attempt n is
	// base^n seconds, capped at MaxDelay.
	BackoffBase float64

	// MaxDelay caps a single backoff wait (default: 30s).
	MaxDelay time.Duration

	// Fallback is the deterministic value returned when all attempts
	// for the category fail.
	Fallback any
}

// Config configures the engine.
type Config struct {
	// Policies overrides per-category policies; missing categories
	// get defaults.
	Policies map[Category]Policy

	// HistoryLimit bounds the error record history (default: 256).
	HistoryLimit int

	// EMAAlpha is the success-rate smoothing factor (default: 0.2).
	EMAAlpha float64
}

// DefaultConfig returns the default per-category policies.
func DefaultConfig() *Config {
	return &Config{
		Policies: map[Category]Policy{
			CategoryNetwork:         {MaxAttempts: 3, Retriable: true, BackoffBase: 2, MaxDelay: 30 * time.Second},
			CategoryFilesystem:      {MaxAttempts: 2, Retriable: true, BackoffBase: 2, MaxDelay: 5 * time.Second},
			CategoryExternalService: {MaxAttempts: 4, Retriable: true, BackoffBase: 2, MaxDelay: 30 * time.Second},
			CategoryValidation:      {MaxAttempts: 1, Retriable: false},
			CategoryStateCorruption: {MaxAttempts: 2, Retriable: true, BackoffBase: 2, MaxDelay: 10 * time.Second},
			CategoryTimeout:         {MaxAttempts: 3, Retriable: true, BackoffBase: 2, MaxDelay: 30 * time.Second},
			CategoryUnknown:         {MaxAttempts: 2, Retriable: true, BackoffBase: 2, MaxDelay: 30 * time.Second},
		},
		HistoryLimit: 256,
		EMAAlpha:     0.2,
	}
}

// RestoreFunc restores state from the last good checkpoint. The engine
// calls it once per operation when a state-corruption failure occurs.
type RestoreFunc func(ctx context.Context) error

// Operation is a unit of work run under the engine's retry policy.
type Operation struct {
	// Name labels the operation in records and telemetry.
	Name string

	// Run performs one attempt.
	Run func(ctx context.Context) (any, error)

	// MaxAttempts overrides the category policy when positive
	// (e.g. a phase's max_retries). The override also applies to
	// categories that are otherwise non-retriable: a phase's attempt
	// budget covers any execution failure, malformed agent output
	// included.
	MaxAttempts int

	// Fallback overrides the category fallback when non-nil.
	Fallback any
}

// Engine applies classification, per-category retry with exponential
// backoff, and deterministic fallbacks. Safe for concurrent use.
type Engine struct {
	config     *Config
	classifier Classifier
	restore    RestoreFunc
	logger     *zap.Logger

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	attemptCounter metric.Int64Counter
	outcomeCounter metric.Int64Counter

	mu      sync.Mutex
	history []ErrorRecord
	rates   map[Category]float64
}

// NewEngine creates an engine. classifier defaults to
// DefaultClassifier; restore may be nil when no checkpoint source
// exists.
func NewEngine(cfg *Config, classifier Classifier, restore RestoreFunc, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.2
	}
	if classifier == nil {
		classifier = DefaultClassifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:     cfg,
		classifier: classifier,
		restore:    restore,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		rates:      make(map[Category]float64),
	}
	e.initMetrics()
	return e
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	var err error

	e.attemptCounter, err = e.meter.Int64Counter(
		"conduct.recovery.attempts_total",
		metric.WithDescription("Total recovery-managed attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		e.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	e.outcomeCounter, err = e.meter.Int64Counter(
		"conduct.recovery.outcomes_total",
		metric.WithDescription("Operation outcomes by result"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		e.logger.Warn("failed to create outcome counter", zap.Error(err))
	}
}

func (e *Engine) policy(cat Category) Policy {
	if p, ok := e.config.Policies[cat]; ok {
		if p.MaxDelay == 0 {
			p.MaxDelay = 30 * time.Second
		}
		if p.BackoffBase == 0 {
			p.BackoffBase = 2
		}
		return p
	}
	return Policy{MaxAttempts: 2, Retriable: true, BackoffBase: 2, MaxDelay: 30 * time.Second}
}

// Do runs op under the retry policy of whatever category its failures
// classify into. It never returns an error and never panics outward:
// the caller always receives a structured success-or-fallback outcome.
func (e *Engine) Do(ctx context.Context, op Operation) *Outcome {
	ctx, span := e.tracer.Start(ctx, "recovery.do")
	defer span.End()
	span.SetAttributes(attribute.String("operation", op.Name))

	outcome := &Outcome{Strategy: "none"}
	restored := false
	var lastCat Category

	for {
		outcome.Attempts++
		if e.attemptCounter != nil {
			e.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op.Name)))
		}

		value, err := e.attempt(ctx, op)
		if err == nil {
			e.observeSuccess(lastCat)
			outcome.Succeeded = true
			outcome.Value = value
			e.count(ctx, "success")
			span.SetAttributes(attribute.Int("attempts", outcome.Attempts))
			return outcome
		}

		cat := e.classifier(err)
		lastCat = cat
		e.observeFailure(op.Name, cat, err, outcome.Attempts)

		policy := e.policy(cat)
		maxAttempts := policy.MaxAttempts
		retriable := policy.Retriable
		if op.MaxAttempts > 0 {
			maxAttempts = op.MaxAttempts
			retriable = true
		}
		outcome.Category = cat
		outcome.LastError = err.Error()

		e.logger.Warn("operation attempt failed",
			zap.String("operation", op.Name),
			zap.String("category", string(cat)),
			zap.Int("attempt", outcome.Attempts),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)

		if !retriable || outcome.Attempts >= maxAttempts {
			outcome.Succeeded = false
			outcome.Fallback = op.Fallback
			if outcome.Fallback == nil {
				outcome.Fallback = policy.Fallback
			}
			if !retriable {
				outcome.Strategy = "fallback"
			} else {
				outcome.Strategy = "retry-exhausted"
			}
			e.count(ctx, "fallback")
			span.SetAttributes(attribute.Int("attempts", outcome.Attempts))
			return outcome
		}

		// Category-specific strategy before the next attempt.
		switch cat {
		case CategoryFilesystem:
			outcome.Strategy = "filesystem-repair"
			e.repairFilesystem(err)
		case CategoryStateCorruption:
			outcome.Strategy = "restore-checkpoint"
			if e.restore != nil && !restored {
				restored = true
				if rerr := e.restore(ctx); rerr != nil {
					e.logger.Error("checkpoint restore failed", zap.Error(rerr))
				}
			}
		case CategoryExternalService:
			outcome.Strategy = "retry-after-hint"
		default:
			outcome.Strategy = "retry-backoff"
		}

		if !e.wait(ctx, policy, err, outcome.Attempts) {
			// Context cancelled while backing off.
			outcome.Succeeded = false
			outcome.Fallback = op.Fallback
			if outcome.Fallback == nil {
				outcome.Fallback = policy.Fallback
			}
			outcome.Strategy = "cancelled"
			e.count(ctx, "cancelled")
			return outcome
		}
	}
}

// attempt runs one attempt, converting panics into errors so nothing
// escapes the engine.
func (e *Engine) attempt(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in operation %s: %v", op.Name, r)
		}
	}()
	return op.Run(ctx)
}

// wait sleeps for the backoff delay (base^attempt seconds, capped), or
// the service-supplied retry-after hint when present. Returns false if
// the context was cancelled.
func (e *Engine) wait(ctx context.Context, policy Policy, err error, attempt int) bool {
	delay := time.Duration(math.Pow(policy.BackoffBase, float64(attempt))) * time.Second
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	var rateErr *RetryAfterError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		delay = rateErr.RetryAfter
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// repairFilesystem creates the missing parent directory named by a
// path error, the one filesystem failure worth fixing automatically.
func (e *Engine) repairFilesystem(err error) {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) || !errors.Is(err, fs.ErrNotExist) {
		return
	}
	dir := filepath.Dir(pathErr.Path)
	if dir == "" || dir == "." || dir == "/" {
		return
	}
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		e.logger.Debug("filesystem repair failed", zap.String("dir", dir), zap.Error(mkErr))
		return
	}
	e.logger.Info("created missing directory", zap.String("dir", dir))
}

// observeSuccess credits the category whose failures preceded this
// success; a first-attempt success has no category to credit.
func (e *Engine) observeSuccess(cat Category) {
	if cat == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateRate(cat, 1.0)
}

// observeFailure appends an error record (bounded, oldest evicted) and
// updates the per-category success-rate EMA. Advisory only.
func (e *Engine) observeFailure(opName string, cat Category, err error, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateRate(cat, 0.0)
	e.history = append(e.history, ErrorRecord{
		Category:  cat,
		Message:   err.Error(),
		Retriable: e.policy(cat).Retriable,
		Attempt:   attempt,
		Operation: opName,
		At:        time.Now().UTC(),
	})
	if over := len(e.history) - e.config.HistoryLimit; over > 0 {
		e.history = e.history[over:]
	}
}

// updateRate folds one observation into the category EMA. Caller holds
// the lock.
func (e *Engine) updateRate(cat Category, success float64) {
	if prev, ok := e.rates[cat]; ok {
		e.rates[cat] = e.config.EMAAlpha*success + (1-e.config.EMAAlpha)*prev
	} else {
		e.rates[cat] = success
	}
}

func (e *Engine) count(ctx context.Context, result string) {
	if e.outcomeCounter != nil {
		e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// Snapshot returns the advisory telemetry for persistence.
func (e *Engine) Snapshot() *Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	rates := make(map[Category]float64, len(e.rates))
	for k, v := range e.rates {
		rates[k] = v
	}
	history := make([]ErrorRecord, len(e.history))
	copy(history, e.history)
	return &Stats{SuccessRates: rates, History: history}
}

// LoadSnapshot seeds the engine with previously persisted telemetry.
func (e *Engine) LoadSnapshot(stats *Stats) {
	if stats == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range stats.SuccessRates {
		e.rates[k] = v
	}
	e.history = append(e.history, stats.History...)
	if over := len(e.history) - e.config.HistoryLimit; over > 0 {
		e.history = e.history[over:]
	}
}
