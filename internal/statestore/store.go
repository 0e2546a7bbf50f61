// Package statestore persists workflow state and checkpoints as
// versioned JSON documents.
//
// Two backends are provided: plain file documents and an embedded
// SQLite database. Both satisfy identical save/load/checkpoint/restore
// semantics; callers never depend on backend-specific behavior. Writes
// are atomic from the caller's perspective: a reader never observes a
// partially written document.
package statestore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load when no document exists under
	// the requested key.
	ErrNotFound = errors.New("statestore: document not found")

	// ErrCheckpointNotFound is returned by Restore when the named
	// checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("statestore: checkpoint not found")

	// ErrCheckpointExists is returned by Checkpoint when the name is
	// already taken. Checkpoints are immutable and never overwritten.
	ErrCheckpointExists = errors.New("statestore: checkpoint already exists")

	// ErrCorrupted is returned when a stored document cannot be
	// decoded. Callers treat this as a state-corruption failure.
	ErrCorrupted = errors.New("statestore: document corrupted")
)

// ManifestSchemaVersion is the checkpoint manifest schema version.
// Future readers ignore unknown manifest fields.
const ManifestSchemaVersion = 1

// CheckpointInfo describes an immutable snapshot of all live documents.
type CheckpointInfo struct {
	SchemaVersion int       `json:"schema_version"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	Keys          []string  `json:"keys"`
}

// Store persists JSON documents under hierarchical keys
// (e.g. "workflows/<id>/state") and snapshots them as named
// checkpoints.
type Store interface {
	// Save writes value under key, replacing any previous document.
	Save(ctx context.Context, key string, value any) error

	// Load reads the document under key into out. Returns ErrNotFound
	// if no document exists and ErrCorrupted if it cannot be decoded.
	Load(ctx context.Context, key string, out any) error

	// Delete removes the document under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists document keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Checkpoint captures all current documents under an immutable
	// name. Returns ErrCheckpointExists if the name is taken.
	Checkpoint(ctx context.Context, name string) (*CheckpointInfo, error)

	// Restore replaces the live documents with the checkpoint's
	// contents. Returns ErrCheckpointNotFound for unknown names.
	Restore(ctx context.Context, name string) error

	// ListCheckpoints returns metadata for all checkpoints, oldest
	// first.
	ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error)

	// Close releases backend resources.
	Close() error
}

// validKey reports whether a key is safe for both backends: non-empty
// relative path segments with no traversal.
func validKey(key string) bool {
	if key == "" || key[0] == '/' {
		return false
	}
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			seg := key[start:i]
			if seg == "" || seg == "." || seg == ".." {
				return false
			}
			start = i + 1
		}
	}
	return true
}
