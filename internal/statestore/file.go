package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	liveDirName       = "live"
	checkpointDirName = "checkpoints"
	manifestName      = "manifest.json"
	docSuffix         = ".json"
)

// FileStore stores each document as a JSON file under <root>/live and
// each checkpoint as a snapshot directory under <root>/checkpoints.
// Writes go to a temporary file in the target directory and are
// published with an atomic rename.
type FileStore struct {
	root   string
	logger *zap.Logger

	mu sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("statestore: root directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{liveDirName, checkpointDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	return &FileStore{root: dir, logger: logger}, nil
}

func (s *FileStore) docPath(key string) string {
	return filepath.Join(s.root, liveDirName, filepath.FromSlash(key)+docSuffix)
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, key string, value any) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.docPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating document directory: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("writing document %s: %w", key, err)
	}
	s.logger.Debug("saved document", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, key string, out any) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.docPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading document %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.docPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting document %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveKeys(prefix)
}

func (s *FileStore) liveKeys(prefix string) ([]string, error) {
	liveRoot := filepath.Join(s.root, liveDirName)
	var keys []string
	err := filepath.WalkDir(liveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, docSuffix) {
			return nil
		}
		rel, err := filepath.Rel(liveRoot, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), docSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Checkpoint implements Store. The snapshot directory is populated
// first and the manifest written last; a snapshot without a manifest is
// treated as absent, so a crash mid-checkpoint never yields a readable
// half-snapshot.
func (s *FileStore) Checkpoint(ctx context.Context, name string) (*CheckpointInfo, error) {
	if !validKey(name) || strings.Contains(name, "/") {
		return nil, fmt.Errorf("statestore: invalid checkpoint name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cpDir := filepath.Join(s.root, checkpointDirName, name)
	if _, err := os.Stat(filepath.Join(cpDir, manifestName)); err == nil {
		return nil, ErrCheckpointExists
	}

	keys, err := s.liveKeys("")
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		dst := filepath.Join(cpDir, "docs", filepath.FromSlash(key)+docSuffix)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
		if err := copyFile(s.docPath(key), dst); err != nil {
			return nil, fmt.Errorf("snapshotting document %s: %w", key, err)
		}
	}

	info := &CheckpointInfo{
		SchemaVersion: ManifestSchemaVersion,
		Name:          name,
		CreatedAt:     time.Now().UTC(),
		Keys:          keys,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.MkdirAll(cpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(cpDir, manifestName), data); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	s.logger.Info("wrote checkpoint",
		zap.String("name", name),
		zap.Int("documents", len(keys)),
	)
	return info, nil
}

// Restore implements Store.
func (s *FileStore) Restore(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpDir := filepath.Join(s.root, checkpointDirName, name)
	data, err := os.ReadFile(filepath.Join(cpDir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrCheckpointNotFound
	}
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var info CheckpointInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("%w: checkpoint %s manifest: %v", ErrCorrupted, name, err)
	}

	liveRoot := filepath.Join(s.root, liveDirName)
	if err := os.RemoveAll(liveRoot); err != nil {
		return fmt.Errorf("clearing live documents: %w", err)
	}
	if err := os.MkdirAll(liveRoot, 0o755); err != nil {
		return fmt.Errorf("recreating live directory: %w", err)
	}

	for _, key := range info.Keys {
		src := filepath.Join(cpDir, "docs", filepath.FromSlash(key)+docSuffix)
		dst := s.docPath(key)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating document directory: %w", err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("restoring document %s: %w", key, err)
		}
	}

	s.logger.Info("restored checkpoint",
		zap.String("name", name),
		zap.Int("documents", len(info.Keys)),
	)
	return nil
}

// ListCheckpoints implements Store.
func (s *FileStore) ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, checkpointDirName))
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	var infos []*CheckpointInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, checkpointDirName, e.Name(), manifestName))
		if err != nil {
			// Snapshot without a manifest: incomplete, skip.
			continue
		}
		var info CheckpointInfo
		if err := json.Unmarshal(data, &info); err != nil {
			s.logger.Warn("skipping unreadable checkpoint manifest", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		infos = append(infos, &info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// writeAtomic writes data to path via a temp file and rename so readers
// never observe a partial document.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return writeAtomic(dst, data)
}
