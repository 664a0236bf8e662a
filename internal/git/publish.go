package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/concertcal/internal/logfields"
)

// PublishResult describes the outcome of CommitAndPush.
type PublishResult struct {
	Committed  bool   // false when the worktree was already clean
	CommitHash string // empty unless Committed
	Attempts   int    // push attempts performed (0 when nothing to push)
}

// ReapplyFunc re-stages the generated artifact after the working copy has
// been reset to a newer remote head. It receives the working copy path.
type ReapplyFunc func(repoPath string) error

// CommitAndPush stages the given paths, commits with the configured
// identity, and pushes. A clean worktree is a benign no-op. When the
// remote has diverged mid-run, the working copy is re-synced to the remote
// head, the artifact is re-applied, and the commit+push is retried under
// the client's backoff policy.
func (c *Client) CommitAndPush(ctx context.Context, repoPath string, paths []string, message string, reapply ReapplyFunc) (PublishResult, error) {
	repository, err := git.PlainOpen(repoPath)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to open repository: %w", err)
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to get worktree: %w", err)
	}

	hash, committed, err := c.stageAndCommit(worktree, paths, message)
	if err != nil {
		return PublishResult{}, err
	}
	if !committed {
		slog.Info("Nothing to commit, calendar is unchanged")
		return PublishResult{Committed: false}, nil
	}

	result := PublishResult{Committed: true, CommitHash: hash.String()}
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying push after divergence", logfields.Attempt(attempt))
			select {
			case <-time.After(c.policy.Delay(attempt)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		result.Attempts++

		err := c.push(ctx, repository)
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			slog.Info("Pushed calendar update", logfields.Commit(result.CommitHash[:8]), logfields.Attempt(result.Attempts))
			return result, nil
		}
		lastErr = err

		if !isDivergenceError(err) {
			return result, fmt.Errorf("failed to push: %w", err)
		}

		// The remote moved underneath us. Re-sync, re-apply the artifact,
		// and commit again on top of the new head.
		slog.Warn("Remote diverged, re-syncing working copy", logfields.Error(err))
		if syncErr := c.resyncToRemote(ctx, repository, worktree); syncErr != nil {
			return result, fmt.Errorf("failed to re-sync after divergence: %w", syncErr)
		}
		if reapply != nil {
			if applyErr := reapply(repoPath); applyErr != nil {
				return result, fmt.Errorf("failed to re-apply artifact: %w", applyErr)
			}
		}

		hash, committed, commitErr := c.stageAndCommit(worktree, paths, message)
		if commitErr != nil {
			return result, commitErr
		}
		if !committed {
			// Someone else already pushed identical content.
			slog.Info("Nothing to commit after re-sync, remote already current")
			return PublishResult{Committed: false, Attempts: result.Attempts}, nil
		}
		result.CommitHash = hash.String()
	}
	return result, fmt.Errorf("push failed after retries: %w", lastErr)
}

// stageAndCommit adds the paths and commits unless the worktree is clean.
func (c *Client) stageAndCommit(worktree *git.Worktree, paths []string, message string) (plumbing.Hash, bool, error) {
	for _, p := range paths {
		if _, err := worktree.Add(p); err != nil {
			return plumbing.Hash{}, false, fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return plumbing.Hash{}, false, fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return plumbing.Hash{}, false, nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.committer.Name,
			Email: c.committer.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.Hash{}, false, fmt.Errorf("failed to commit: %w", err)
	}
	return hash, true, nil
}

func (c *Client) push(ctx context.Context, repository *git.Repository) error {
	auth, err := c.authentication()
	if err != nil {
		return err
	}
	return repository.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
	})
}

// resyncToRemote fetches the remote branch and hard-resets the worktree to
// its head, discarding the local commit that lost the race.
func (c *Client) resyncToRemote(ctx context.Context, repository *git.Repository, worktree *git.Worktree) error {
	auth, err := c.authentication()
	if err != nil {
		return err
	}
	if err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}

	remoteRef, err := repository.Reference(plumbing.NewRemoteReferenceName("origin", c.repo.Branch), true)
	if err != nil {
		return fmt.Errorf("resolve remote branch %s: %w", c.repo.Branch, err)
	}

	if err := worktree.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: remoteRef.Hash(),
	}); err != nil {
		return fmt.Errorf("reset to remote head: %w", err)
	}
	return nil
}

// isDivergenceError reports whether a push failed because the remote
// branch moved ahead of the local one.
func isDivergenceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "fetch first") ||
		strings.Contains(msg, "remote ref") && strings.Contains(msg, "updated")
}
