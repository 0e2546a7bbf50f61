package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// backends runs a test against both store implementations so they
// stay behaviorally identical.
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("file", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir(), nil)
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), nil)
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func TestSQLiteStoreCreatesParentDirectory(t *testing.T) {
	// First run on a fresh host: the state directory does not exist yet.
	path := filepath.Join(t.TempDir(), "state", "conduct.db")

	store, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{Name: "a", Count: 1}))

	var got doc
	require.NoError(t, store.Load(ctx, "workflows/wf-1/state", &got))
	assert.Equal(t, "a", got.Name)
}

func TestSaveLoad(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{Name: "a", Count: 1}))

		var got doc
		require.NoError(t, store.Load(ctx, "workflows/wf-1/state", &got))
		assert.Equal(t, doc{Name: "a", Count: 1}, got)

		// Save replaces.
		require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{Name: "b", Count: 2}))
		require.NoError(t, store.Load(ctx, "workflows/wf-1/state", &got))
		assert.Equal(t, doc{Name: "b", Count: 2}, got)
	})
}

func TestLoadNotFound(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		var got doc
		err := store.Load(context.Background(), "missing/key", &got)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "a/b", doc{Name: "x"}))
		require.NoError(t, store.Delete(ctx, "a/b"))

		var got doc
		assert.ErrorIs(t, store.Load(ctx, "a/b", &got), ErrNotFound)

		// Deleting a missing key is not an error.
		assert.NoError(t, store.Delete(ctx, "a/b"))
	})
}

func TestKeys(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "workflows/wf-2/state", doc{}))
		require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{}))
		require.NoError(t, store.Save(ctx, "recovery/stats", doc{}))

		keys, err := store.Keys(ctx, "workflows/")
		require.NoError(t, err)
		assert.Equal(t, []string{"workflows/wf-1/state", "workflows/wf-2/state"}, keys)

		all, err := store.Keys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestInvalidKeys(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, key := range []string{"", "/abs", "a//b", "../escape", "a/./b", "a/../b"} {
			assert.Error(t, store.Save(ctx, key, doc{}), "key %q", key)
		}
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{Name: "before", Count: 1}))
		require.NoError(t, store.Save(ctx, "recovery/stats", doc{Name: "stats"}))

		info, err := store.Checkpoint(ctx, "before-build")
		require.NoError(t, err)
		assert.Equal(t, ManifestSchemaVersion, info.SchemaVersion)
		assert.Equal(t, "before-build", info.Name)
		assert.Equal(t, []string{"recovery/stats", "workflows/wf-1/state"}, info.Keys)

		// Mutate and add after the snapshot.
		require.NoError(t, store.Save(ctx, "workflows/wf-1/state", doc{Name: "after", Count: 2}))
		require.NoError(t, store.Save(ctx, "workflows/wf-2/state", doc{Name: "new"}))

		require.NoError(t, store.Restore(ctx, "before-build"))

		var got doc
		require.NoError(t, store.Load(ctx, "workflows/wf-1/state", &got))
		assert.Equal(t, doc{Name: "before", Count: 1}, got)

		// Documents created after the checkpoint are gone.
		assert.ErrorIs(t, store.Load(ctx, "workflows/wf-2/state", &got), ErrNotFound)
	})
}

func TestCheckpointImmutable(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "a/b", doc{}))
		_, err := store.Checkpoint(ctx, "snap")
		require.NoError(t, err)

		_, err = store.Checkpoint(ctx, "snap")
		assert.ErrorIs(t, err, ErrCheckpointExists)
	})
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		err := store.Restore(context.Background(), "never-made")
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestListCheckpoints(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, "a/b", doc{}))
		_, err := store.Checkpoint(ctx, "first")
		require.NoError(t, err)
		_, err = store.Checkpoint(ctx, "second")
		require.NoError(t, err)

		infos, err := store.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		names := []string{infos[0].Name, infos[1].Name}
		assert.ElementsMatch(t, []string{"first", "second"}, names)
	})
}

func TestFileStoreCorruptedDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "a/b", doc{}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "live", "a", "b.json"), []byte("{truncated"), 0o644))

	var got doc
	assert.ErrorIs(t, store.Load(ctx, "a/b", &got), ErrCorrupted)
}

func TestFileStoreIgnoresManifestlessSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "a/b", doc{}))

	// Simulate a crash mid-checkpoint: docs copied, no manifest.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoints", "partial", "docs"), 0o755))

	infos, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	assert.ErrorIs(t, store.Restore(ctx, "partial"), ErrCheckpointNotFound)

	// The name is reusable since the snapshot never completed.
	_, err = store.Checkpoint(ctx, "partial")
	assert.NoError(t, err)
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey("a"))
	assert.True(t, validKey("a/b/c"))
	assert.False(t, validKey(""))
	assert.False(t, validKey("/a"))
	assert.False(t, validKey("a//b"))
	assert.False(t, validKey("a/.."))
	assert.False(t, validKey("."))
	assert.False(t, validKey("a/"))
}
