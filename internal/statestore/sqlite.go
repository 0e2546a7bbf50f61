package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	name           TEXT PRIMARY KEY,
	schema_version INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoint_documents (
	name  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (name, key)
);
`

// SQLiteStore is the embedded-database backend. It holds live documents
// in a documents table and checkpoint snapshots in side tables;
// checkpoint and restore each run in a single transaction, which gives
// the same atomicity the file backend gets from rename.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) a store at the given
// database path. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("statestore: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids table-lock contention between goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, key string, value any) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing document %s: %w", key, err)
	}
	s.logger.Debug("saved document", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, key string, out any) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM documents WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading document %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("statestore: invalid key %q", key)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting document %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM documents WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Checkpoint implements Store.
func (s *SQLiteStore) Checkpoint(ctx context.Context, name string) (*CheckpointInfo, error) {
	if name == "" {
		return nil, errors.New("statestore: checkpoint name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking checkpoint name: %w", err)
	}
	if exists > 0 {
		return nil, ErrCheckpointExists
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (name, schema_version, created_at) VALUES (?, ?, ?)`,
		name, ManifestSchemaVersion, now.Unix()); err != nil {
		return nil, fmt.Errorf("recording checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoint_documents (name, key, value)
		 SELECT ?, key, value FROM documents`, name); err != nil {
		return nil, fmt.Errorf("snapshotting documents: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT key FROM checkpoint_documents WHERE name = ? ORDER BY key`, name)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot keys: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing checkpoint: %w", err)
	}

	s.logger.Info("wrote checkpoint",
		zap.String("name", name),
		zap.Int("documents", len(keys)),
	)
	return &CheckpointInfo{
		SchemaVersion: ManifestSchemaVersion,
		Name:          name,
		CreatedAt:     now,
		Keys:          keys,
	}, nil
}

// Restore implements Store.
func (s *SQLiteStore) Restore(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting restore transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE name = ?`, name).Scan(&exists); err != nil {
		return fmt.Errorf("checking checkpoint name: %w", err)
	}
	if exists == 0 {
		return ErrCheckpointNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clearing live documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (key, value, updated_at)
		 SELECT key, value, ? FROM checkpoint_documents WHERE name = ?`,
		time.Now().Unix(), name); err != nil {
		return fmt.Errorf("restoring documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing restore: %w", err)
	}
	s.logger.Info("restored checkpoint", zap.String("name", name))
	return nil
}

// ListCheckpoints implements Store.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, schema_version, created_at FROM checkpoints ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	// Drain the checkpoint rows before issuing per-checkpoint queries:
	// the store runs on a single connection.
	var infos []*CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		var createdAt int64
		if err := rows.Scan(&info.Name, &info.SchemaVersion, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, info := range infos {
		keyRows, err := s.db.QueryContext(ctx,
			`SELECT key FROM checkpoint_documents WHERE name = ? ORDER BY key`, info.Name)
		if err != nil {
			return nil, err
		}
		for keyRows.Next() {
			var key string
			if err := keyRows.Scan(&key); err != nil {
				keyRows.Close()
				return nil, err
			}
			info.Keys = append(info.Keys, key)
		}
		keyRows.Close()
		if err := keyRows.Err(); err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
