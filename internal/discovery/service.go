package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/praxislabs/conduct/internal/discovery"

// strategy is one structural search focus. The union of all strategy
// results is sorted and deduplicated, so running them concurrently does
// not affect determinism.
type strategy struct {
	Focus    string
	Patterns []string
}

func defaultStrategies() []strategy {
	return []strategy{
		{Focus: "implementation", Patterns: []string{"**/*.go", "**/*.py", "**/*.js", "**/*.ts"}},
		{Focus: "tests", Patterns: []string{"**/*_test.go", "**/test_*.py", "**/*.test.js", "**/*.spec.ts"}},
		{Focus: "configuration", Patterns: []string{"**/*.yaml", "**/*.yml", "**/*.toml", "**/*.env"}},
		{Focus: "documentation", Patterns: []string{"**/*.md"}},
	}
}

// Config configures the discovery service.
type Config struct {
	// Root is the workspace directory to scan.
	Root string

	// MaxItems caps the result size (default: 100).
	MaxItems int

	// Extensions is the minimal-level filter (default: common source
	// extensions).
	MinimalExtensions []string

	// MaxFileSize caps content reads during structural search
	// (default: 256KB).
	MaxFileSize int64

	// DisabledLevels turns fallback levels off; disabled levels are
	// recorded as skipped in the chain. Level 4 cannot be disabled.
	DisabledLevels map[int]bool
}

// DefaultConfig returns sensible defaults for the given workspace root.
func DefaultConfig(root string) *Config {
	return &Config{
		Root:              root,
		MaxItems:          100,
		MinimalExtensions: []string{".go", ".py", ".js", ".ts", ".md", ".yaml", ".yml"},
		MaxFileSize:       256 * 1024,
	}
}

// Service runs the fallback chain. History is optional; without it the
// informed level always falls through.
type Service struct {
	config     *Config
	history    History
	strategies []strategy
	logger     *zap.Logger

	// Telemetry
	tracer          trace.Tracer
	meter           metric.Meter
	discoverCounter metric.Int64Counter
	levelCounter    metric.Int64Counter
}

// NewService creates a discovery service. history may be nil.
func NewService(cfg *Config, history History, logger *zap.Logger) (*Service, error) {
	if cfg == nil || cfg.Root == "" {
		return nil, fmt.Errorf("discovery: workspace root is required")
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 256 * 1024
	}
	if len(cfg.MinimalExtensions) == 0 {
		cfg.MinimalExtensions = DefaultConfig(cfg.Root).MinimalExtensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:     cfg,
		history:    history,
		strategies: defaultStrategies(),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.discoverCounter, err = s.meter.Int64Counter(
		"conduct.discovery.discoveries_total",
		metric.WithDescription("Total number of discovery calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		s.logger.Warn("failed to create discover counter", zap.Error(err))
	}

	s.levelCounter, err = s.meter.Int64Counter(
		"conduct.discovery.level_hits_total",
		metric.WithDescription("Discovery results by fallback level"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		s.logger.Warn("failed to create level counter", zap.Error(err))
	}
}

// Discover runs the fallback chain for a task. It never returns an
// error: level 4 always succeeds. For any fixed task description,
// repeated calls produce byte-identical, sorted output.
func (s *Service) Discover(ctx context.Context, task string) *Result {
	ctx, span := s.tracer.Start(ctx, "discovery.discover")
	defer span.End()

	result := &Result{
		Seed:  xxhash.Sum64String(task),
		Items: []string{},
	}

	levels := []struct {
		level int
		run   func(context.Context, string) ([]string, error)
	}{
		{LevelInformed, s.informed},
		{LevelStructural, s.structural},
		{LevelMinimal, s.minimal},
	}

	for _, l := range levels {
		if s.config.DisabledLevels[l.level] {
			result.FallbackChain = append(result.FallbackChain, Attempt{
				Level:   l.level,
				Outcome: OutcomeSkipped,
				Detail:  "level disabled",
			})
			continue
		}

		items, err := l.run(ctx, task)
		if err == nil {
			items = s.normalize(items)
		}
		if err != nil || len(items) == 0 {
			detail := "no items"
			if err != nil {
				detail = err.Error()
			}
			result.FallbackChain = append(result.FallbackChain, Attempt{
				Level:   l.level,
				Outcome: OutcomeFailed,
				Detail:  detail,
			})
			continue
		}

		result.Level = l.level
		result.Items = items
		result.FallbackChain = append(result.FallbackChain, Attempt{
			Level:   l.level,
			Outcome: OutcomeSucceeded,
			Detail:  fmt.Sprintf("%d items", len(items)),
		})
		s.record(ctx, span, result)
		return result
	}

	// Level 4: empty discovery. Always succeeds.
	result.Level = LevelEmpty
	result.FallbackChain = append(result.FallbackChain, Attempt{
		Level:   LevelEmpty,
		Outcome: OutcomeSucceeded,
		Detail:  "empty result",
	})
	s.record(ctx, span, result)
	return result
}

func (s *Service) record(ctx context.Context, span trace.Span, result *Result) {
	span.SetAttributes(
		attribute.Int("level", result.Level),
		attribute.Int("item_count", len(result.Items)),
	)
	if s.discoverCounter != nil {
		s.discoverCounter.Add(ctx, 1)
	}
	if s.levelCounter != nil {
		s.levelCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", result.Level)))
	}
	s.logger.Debug("discovery complete",
		zap.Int("level", result.Level),
		zap.Int("items", len(result.Items)),
	)
}

// RecordPattern stores a successful discovery so future informed
// lookups can rank with it. A nil history makes this a no-op.
func (s *Service) RecordPattern(ctx context.Context, task string, items []string) error {
	if s.history == nil {
		return nil
	}
	return s.history.Record(ctx, task, items)
}

// informed is level 1: rank artifacts via historical patterns.
func (s *Service) informed(ctx context.Context, task string) ([]string, error) {
	if s.history == nil {
		return nil, ErrNoHistory
	}
	items, err := s.history.Lookup(ctx, task, s.config.MaxItems)
	if err != nil {
		return nil, err
	}
	// Historical paths may have been deleted since they were recorded.
	var existing []string
	for _, item := range items {
		if _, err := os.Stat(filepath.Join(s.config.Root, filepath.FromSlash(item))); err == nil {
			existing = append(existing, item)
		}
	}
	return existing, nil
}

// structural is level 2: glob walk per focus strategy plus a content
// keyword match from the task description. Strategies run concurrently;
// the union is normalized afterwards so output stays deterministic.
func (s *Service) structural(ctx context.Context, task string) ([]string, error) {
	keywords := searchKeywords(task)
	root := os.DirFS(s.config.Root)

	var mu sync.Mutex
	matched := make(map[string]bool)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(s.strategies))
	for _, st := range s.strategies {
		st := st
		g.Go(func() error {
			for _, pattern := range st.Patterns {
				if err := ctx.Err(); err != nil {
					return err
				}
				paths, err := doublestar.Glob(root, pattern)
				if err != nil {
					continue
				}
				for _, path := range paths {
					if skipPath(path) {
						continue
					}
					if len(keywords) == 0 || s.matches(path, keywords) {
						mu.Lock()
						matched[path] = true
						mu.Unlock()
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]string, 0, len(matched))
	for path := range matched {
		items = append(items, path)
	}
	return items, nil
}

// matches reports whether the path name or file content mentions any
// keyword.
func (s *Service) matches(path string, keywords []string) bool {
	lower := strings.ToLower(path)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	full := filepath.Join(s.config.Root, filepath.FromSlash(path))
	info, err := os.Stat(full)
	if err != nil || info.Size() > s.config.MaxFileSize {
		return false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return false
	}
	content := strings.ToLower(string(data))
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// minimal is level 3: a coarse listing filtered by extension.
func (s *Service) minimal(ctx context.Context, task string) ([]string, error) {
	exts := make(map[string]bool, len(s.config.MinimalExtensions))
	for _, ext := range s.config.MinimalExtensions {
		exts[ext] = true
	}

	var items []string
	err := fs.WalkDir(os.DirFS(s.config.Root), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipPath(path) {
				return fs.SkipDir
			}
			return nil
		}
		if skipPath(path) {
			return nil
		}
		if exts[filepath.Ext(path)] {
			items = append(items, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// normalize applies the uniform sort-and-deduplicate step every level's
// raw output passes through, then caps the result. Sorting happens
// before capping so the cap is deterministic too.
func (s *Service) normalize(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = filepath.ToSlash(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	sort.Strings(out)
	if len(out) > s.config.MaxItems {
		out = out[:s.config.MaxItems]
	}
	return out
}

// searchKeywords extracts safe content-search keywords from a task
// description: lowercase alphanumeric tokens longer than three
// characters, capped at three keywords.
func searchKeywords(task string) []string {
	var keywords []string
	for _, token := range tokenize(task) {
		if len(token) > 3 {
			keywords = append(keywords, token)
		}
		if len(keywords) == 3 {
			break
		}
	}
	return keywords
}

// skipPath filters VCS metadata and hidden directories out of scans.
func skipPath(path string) bool {
	if path == "." {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".git" || seg == "node_modules" || strings.HasPrefix(seg, ".") && seg != "." {
			return true
		}
	}
	return false
}
