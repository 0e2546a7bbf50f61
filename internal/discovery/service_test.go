package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTree lays out a small workspace for scanning.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func newTestService(t *testing.T, root string, history History) *Service {
	t.Helper()
	svc, err := NewService(DefaultConfig(root), history, nil)
	require.NoError(t, err)
	return svc
}

func TestDiscoverDeterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"internal/auth/login.go":      "package auth // login handler",
		"internal/auth/login_test.go": "package auth",
		"internal/billing/invoice.go": "package billing",
		"docs/login.md":               "# Login flow",
		"config.yaml":                 "login: true",
	})
	svc := newTestService(t, root, nil)

	first := svc.Discover(context.Background(), "fix the login flow")
	require.NotEmpty(t, first.Items)

	for i := 0; i < 10; i++ {
		again := svc.Discover(context.Background(), "fix the login flow")
		assert.Equal(t, first.Items, again.Items, "iteration %d", i)
		assert.Equal(t, first.Level, again.Level, "iteration %d", i)
		assert.Equal(t, first.Seed, again.Seed, "iteration %d", i)
	}
}

func TestDiscoverSortedAndDeduplicated(t *testing.T) {
	root := writeTree(t, map[string]string{
		"b/handler.go": "package b // login",
		"a/handler.go": "package a // login",
		"c/login.md":   "login notes",
	})
	svc := newTestService(t, root, nil)

	result := svc.Discover(context.Background(), "update login handler")
	require.NotEmpty(t, result.Items)

	seen := make(map[string]bool)
	prev := ""
	for _, item := range result.Items {
		assert.False(t, seen[item], "duplicate item %s", item)
		seen[item] = true
		assert.Less(t, prev, item, "items must be sorted")
		prev = item
	}
}

func TestDiscoverStructuralLevel(t *testing.T) {
	root := writeTree(t, map[string]string{
		"pkg/server.go": "package pkg // routing",
	})
	svc := newTestService(t, root, nil)

	result := svc.Discover(context.Background(), "improve routing speed")

	// No history configured: level 1 fails, level 2 matches.
	assert.Equal(t, LevelStructural, result.Level)
	require.Len(t, result.FallbackChain, 2)
	assert.Equal(t, OutcomeFailed, result.FallbackChain[0].Outcome)
	assert.Equal(t, OutcomeSucceeded, result.FallbackChain[1].Outcome)
	assert.Contains(t, result.Items, "pkg/server.go")
}

func TestDiscoverMinimalLevel(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":  "package main",
		"notes.md": "notes",
		"data.bin": "\x00\x01",
	})
	cfg := DefaultConfig(root)
	cfg.DisabledLevels = map[int]bool{LevelStructural: true}
	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)

	result := svc.Discover(context.Background(), "zzzz qqqq xxxx")

	assert.Equal(t, LevelMinimal, result.Level)
	assert.Equal(t, []string{"main.go", "notes.md"}, result.Items)

	require.Len(t, result.FallbackChain, 3)
	assert.Equal(t, OutcomeFailed, result.FallbackChain[0].Outcome)
	assert.Equal(t, OutcomeSkipped, result.FallbackChain[1].Outcome)
	assert.Equal(t, OutcomeSucceeded, result.FallbackChain[2].Outcome)
}

func TestDiscoverNeverFails(t *testing.T) {
	svc := newTestService(t, t.TempDir(), nil)

	result := svc.Discover(context.Background(), "anything at all")

	assert.Equal(t, LevelEmpty, result.Level)
	assert.Empty(t, result.Items)
	require.Len(t, result.FallbackChain, 4)
	assert.Equal(t, OutcomeSucceeded, result.FallbackChain[3].Outcome)
}

func TestDiscoverAllLevelsDisabled(t *testing.T) {
	root := writeTree(t, map[string]string{"main.go": "package main"})
	cfg := DefaultConfig(root)
	cfg.DisabledLevels = map[int]bool{
		LevelInformed:   true,
		LevelStructural: true,
		LevelMinimal:    true,
	}
	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)

	result := svc.Discover(context.Background(), "task")

	assert.Equal(t, LevelEmpty, result.Level)
	assert.Empty(t, result.Items)
	for _, attempt := range result.FallbackChain[:3] {
		assert.Equal(t, OutcomeSkipped, attempt.Outcome)
	}
}

func TestDiscoverMaxItemsCapAfterSort(t *testing.T) {
	files := make(map[string]string)
	for _, name := range []string{"z", "y", "x", "w", "v", "u"} {
		files[name+".go"] = "package main // widget"
	}
	root := writeTree(t, files)
	cfg := DefaultConfig(root)
	cfg.MaxItems = 3
	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)

	result := svc.Discover(context.Background(), "widget cleanup")

	// The cap keeps the lexicographically first items, not arbitrary ones.
	assert.Equal(t, []string{"u.go", "v.go", "w.go"}, result.Items)
}

func TestDiscoverSkipsHiddenAndVendorDirs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/app.go":              "package app // payment",
		".git/objects/x.go":       "not code",
		"node_modules/lib/i.go":   "package lib // payment",
		".cache/tmp/something.go": "package tmp",
	})
	svc := newTestService(t, root, nil)

	result := svc.Discover(context.Background(), "payment processing")

	assert.Equal(t, []string{"src/app.go"}, result.Items)
}

func TestInformedUsesHistory(t *testing.T) {
	root := writeTree(t, map[string]string{
		"internal/auth/login.go": "package auth",
		"internal/auth/token.go": "package auth",
	})
	history, err := NewChromemHistory(filepath.Join(t.TempDir(), "patterns"), nil)
	require.NoError(t, err)

	svc := newTestService(t, root, history)
	ctx := context.Background()

	require.NoError(t, svc.RecordPattern(ctx, "fix login token refresh",
		[]string{"internal/auth/login.go", "internal/auth/token.go", "internal/auth/deleted.go"}))

	result := svc.Discover(ctx, "fix login token refresh")

	assert.Equal(t, LevelInformed, result.Level)
	// Deleted artifacts are filtered out of historical patterns.
	assert.Equal(t, []string{"internal/auth/login.go", "internal/auth/token.go"}, result.Items)
}

func TestHistoryLookupEmpty(t *testing.T) {
	history, err := NewChromemHistory(filepath.Join(t.TempDir(), "patterns"), nil)
	require.NoError(t, err)

	_, err = history.Lookup(context.Background(), "anything", 10)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestHashEmbeddingDeterministic(t *testing.T) {
	a, err := hashEmbedding(context.Background(), "fix the login flow")
	require.NoError(t, err)
	b, err := hashEmbedding(context.Background(), "fix the login flow")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbeddingDegenerateInput(t *testing.T) {
	vec, err := hashEmbedding(context.Background(), "!!! ???")
	require.NoError(t, err)
	assert.Equal(t, float32(1), vec[0])
}

func TestSearchKeywords(t *testing.T) {
	assert.Equal(t, []string{"pagination", "issue", "list"},
		searchKeywords("add Pagination to the issue list view"))
	assert.Empty(t, searchKeywords("a an it"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"fix", "login", "2fa"}, tokenize("Fix login/2FA!"))
	assert.Empty(t, tokenize("...---"))
}
