// Package vcs wraps repository operations on the workspace. Parallel
// phase batches write files freely; the orchestrator calls CommitAll
// exactly once per batch so concurrent phases never race on history.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// ErrNotRepository marks a workspace root with no repository. Callers
// treat it as "version control disabled" rather than a failure.
var ErrNotRepository = errors.New("vcs: workspace is not a repository")

// Workspace is an open repository at the workspace root.
type Workspace struct {
	repo   *git.Repository
	root   string
	author Author
	logger *zap.Logger
}

// Author identifies the committer for aggregated commits.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no author is configured.
func DefaultAuthor() Author {
	return Author{Name: "conduct", Email: "conduct@localhost"}
}

// Open opens the repository at root. Returns ErrNotRepository when
// root is not under version control.
func Open(root string, author Author, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if author.Name == "" {
		author = DefaultAuthor()
	}

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	return &Workspace{
		repo:   repo,
		root:   root,
		author: author,
		logger: logger,
	}, nil
}

// Dirty reports whether the worktree has uncommitted changes.
func (w *Workspace) Dirty() (bool, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return !status.IsClean(), nil
}

// CommitAll stages every change in the worktree and commits it as one
// aggregated commit. A clean worktree returns an empty hash and no
// error.
func (w *Workspace) CommitAll(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading status: %w", err)
	}
	if status.IsClean() {
		w.logger.Debug("worktree clean, skipping commit")
		return "", nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  w.author.Name,
			Email: w.author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}

	w.logger.Info("committed batch",
		zap.String("hash", hash.String()),
		zap.Int("files", len(status)),
	)
	return hash.String(), nil
}

// Head returns the current HEAD commit hash, or "" for an unborn
// branch.
func (w *Workspace) Head() (string, error) {
	ref, err := w.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
