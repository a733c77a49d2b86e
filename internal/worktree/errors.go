package worktree

import (
	"errors"
	"fmt"
)

var (
	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree: not found")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("worktree: repository path is not a git repository")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("worktree: base branch does not exist")

	// ErrGitCommandFailed wraps a non-zero exit from a git subprocess; the
	// combined stdout/stderr is included via fmt.Errorf's %w wrapping at the
	// call site.
	ErrGitCommandFailed = errors.New("worktree: git command failed")
)

// MergeConflict is returned by MergeChanges when the merge could not
// complete automatically. The merge is aborted before returning, leaving
// the primary checkout clean.
type MergeConflict struct {
	Paths      []string
	IndexState string
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("worktree: merge conflict in %d path(s)", len(e.Paths))
}

// RebaseConflict is returned by Rebase when a conflict interrupts the
// rebase. Unlike MergeConflict, the worktree is deliberately left in its
// conflicted state for inspection, per the rebase contract.
type RebaseConflict struct {
	Paths []string
}

func (e *RebaseConflict) Error() string {
	return fmt.Sprintf("worktree: rebase conflict in %d path(s)", len(e.Paths))
}
