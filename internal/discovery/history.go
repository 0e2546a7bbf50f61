package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ErrNoHistory signals that informed discovery has nothing to rank
// with; the caller falls through to the next level.
var ErrNoHistory = errors.New("discovery: no historical patterns")

// History stores task-to-artifact discovery patterns and retrieves the
// artifacts of semantically similar past tasks.
type History interface {
	// Record stores the artifacts discovered for a task.
	Record(ctx context.Context, task string, items []string) error

	// Lookup returns artifacts from past tasks similar to task.
	// Returns ErrNoHistory when nothing has been recorded.
	Lookup(ctx context.Context, task string, limit int) ([]string, error)
}

const (
	historyCollection = "discovery_patterns"
	embeddingDim      = 128
	itemsSeparator    = "\n"
)

// ChromemHistory persists patterns in an embedded chromem-go vector
// store. Embeddings come from a deterministic local hashing function,
// so lookups are reproducible and need no external embedding service.
type ChromemHistory struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemHistory opens (creating if needed) a persistent pattern
// store at path.
func NewChromemHistory(path string, logger *zap.Logger) (*ChromemHistory, error) {
	if path == "" {
		return nil, errors.New("discovery: history path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening pattern store: %w", err)
	}
	return &ChromemHistory{db: db, logger: logger}, nil
}

func (h *ChromemHistory) collection() (*chromem.Collection, error) {
	return h.db.GetOrCreateCollection(historyCollection, nil, hashEmbedding)
}

// Record implements History.
func (h *ChromemHistory) Record(ctx context.Context, task string, items []string) error {
	if task == "" || len(items) == 0 {
		return nil
	}
	col, err := h.collection()
	if err != nil {
		return fmt.Errorf("opening pattern collection: %w", err)
	}
	doc := chromem.Document{
		ID:      uuid.New().String(),
		Content: task,
		Metadata: map[string]string{
			"items": strings.Join(items, itemsSeparator),
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("recording pattern: %w", err)
	}
	h.logger.Debug("recorded discovery pattern",
		zap.String("task", task),
		zap.Int("items", len(items)),
	)
	return nil
}

// Lookup implements History.
func (h *ChromemHistory) Lookup(ctx context.Context, task string, limit int) ([]string, error) {
	col, err := h.collection()
	if err != nil {
		return nil, fmt.Errorf("opening pattern collection: %w", err)
	}
	count := col.Count()
	if count == 0 {
		return nil, ErrNoHistory
	}

	n := limit
	if n <= 0 || n > count {
		n = count
	}
	results, err := col.Query(ctx, task, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}

	var items []string
	for _, r := range results {
		if joined, ok := r.Metadata["items"]; ok && joined != "" {
			items = append(items, strings.Split(joined, itemsSeparator)...)
		}
	}
	if len(items) == 0 {
		return nil, ErrNoHistory
	}
	return items, nil
}

// hashEmbedding is a deterministic local embedding: a hashed
// bag-of-words vector, L2-normalized for cosine similarity. It never
// touches the network, so informed discovery stays reproducible.
func hashEmbedding(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)
	for _, token := range tokenize(text) {
		idx := xxhash.Sum64String(token) % embeddingDim
		vec[idx]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Degenerate input still needs a valid unit vector.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
