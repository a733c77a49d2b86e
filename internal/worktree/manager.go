// Package worktree implements the Worktree / Workspace Manager: a durable
// mapping from TaskAttempts to local git worktrees, supporting branch
// creation, merge, rebase, diff, archive, and push, with safety on shared
// repositories enforced by a per-repository-path lock.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/common/tracing"
	"github.com/taskctl/taskctl/internal/vcs"
)

// repoLockEntry tracks a per-repository-path mutex and its reference count,
// so the map can be pruned once nobody is waiting on it.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager owns the lifecycle of worktrees backing TaskAttempts.
type Manager struct {
	config Config
	logger *logger.Logger

	mu        sync.RWMutex
	worktrees map[string]*Worktree // attemptID -> cached descriptor

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry
}

// NewManager creates a Manager, ensuring the configured base directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worktree: invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("worktree: expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create base directory: %w", err)
	}
	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*repoLockEntry),
	}, nil
}

// getRepoLock returns (creating if absent) the mutex serializing
// index-mutating operations against repoPath, incrementing its refcount.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if entry, ok := m.repoLocks[repoPath]; ok {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[repoPath]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// withRepoLock serializes fn against every other index-mutating call on repoPath.
func (m *Manager) withRepoLock(repoPath string, fn func() error) error {
	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(repoPath)
	}()
	return fn()
}

// EnsureWorktree idempotently returns the worktree for an attempt, creating
// it if absent. If the attempt already has a recorded path that no longer
// exists on disk, it is recreated by fast-forwarding to the recorded branch
// tip rather than by allocating a new branch.
func (m *Manager) EnsureWorktree(ctx context.Context, attemptID, taskID, repoPath, baseBranch, existingPath, existingBranch string) (*Worktree, error) {
	ctx, span := tracing.StartWorktreeSpan(ctx, "ensure", repoPath)
	defer span.End()

	m.mu.RLock()
	if wt, ok := m.worktrees[attemptID]; ok && m.isValid(wt.Path) {
		m.mu.RUnlock()
		return wt, nil
	}
	m.mu.RUnlock()

	if existingPath != "" && existingBranch != "" && !m.isValid(existingPath) {
		return m.recreate(ctx, attemptID, taskID, repoPath, baseBranch, existingPath, existingBranch)
	}
	if existingPath != "" && m.isValid(existingPath) {
		wt := &Worktree{AttemptID: attemptID, TaskID: taskID, RepositoryPath: repoPath, Path: existingPath, Branch: existingBranch, BaseBranch: baseBranch}
		m.cache(wt)
		return wt, nil
	}

	return m.create(ctx, attemptID, taskID, repoPath, baseBranch)
}

func (m *Manager) create(ctx context.Context, attemptID, taskID, repoPath, baseBranch string) (*Worktree, error) {
	if !m.isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(repoPath, baseBranch) {
		return nil, ErrInvalidBaseBranch
	}

	dirName := WorktreeDirName(taskID, attemptID)
	branch := BranchName(m.config.BranchPrefix, taskID, attemptID)
	path, err := m.config.WorktreePath(dirName)
	if err != nil {
		return nil, err
	}

	err = m.withRepoLock(repoPath, func() error {
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseBranch)
		cmd.Dir = repoPath
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	wt := &Worktree{
		AttemptID:      attemptID,
		TaskID:         taskID,
		RepositoryPath: repoPath,
		Path:           path,
		Branch:         branch,
		BaseBranch:     baseBranch,
		CreatedAt:      time.Now().UTC(),
	}
	m.cache(wt)
	m.logger.Info("created worktree", zap.String("attempt_id", attemptID), zap.String("path", path), zap.String("branch", branch))
	return wt, nil
}

// recreate restores a worktree whose directory was lost (e.g. disk cleanup)
// by re-adding it against its already-recorded branch, fast-forwarded to
// the branch's current tip rather than the base branch.
func (m *Manager) recreate(ctx context.Context, attemptID, taskID, repoPath, baseBranch, path, branch string) (*Worktree, error) {
	err := m.withRepoLock(repoPath, func() error {
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
		cmd.Dir = repoPath
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	wt := &Worktree{AttemptID: attemptID, TaskID: taskID, RepositoryPath: repoPath, Path: path, Branch: branch, BaseBranch: baseBranch, CreatedAt: time.Now().UTC()}
	m.cache(wt)
	m.logger.Info("recreated worktree", zap.String("attempt_id", attemptID), zap.String("path", path))
	return wt, nil
}

func (m *Manager) cache(wt *Worktree) {
	m.mu.Lock()
	m.worktrees[wt.AttemptID] = wt
	m.mu.Unlock()
}

// Get returns the cached descriptor for an attempt, if present.
func (m *Manager) Get(attemptID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[attemptID]
	return wt, ok
}

// MergeChanges merges wt.Branch into baseBranch inside the primary
// repository checkout: fast-forward when possible, otherwise a merge commit
// with the supplied message. On conflict the merge is aborted and a
// *MergeConflict is returned.
func (m *Manager) MergeChanges(ctx context.Context, wt *Worktree, baseBranch, message string) (string, error) {
	var sha string
	err := m.withRepoLock(wt.RepositoryPath, func() error {
		checkout := exec.CommandContext(ctx, "git", "checkout", baseBranch)
		checkout.Dir = wt.RepositoryPath
		if out, err := checkout.CombinedOutput(); err != nil {
			return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
		}

		merge := exec.CommandContext(ctx, "git", "merge", "--no-edit", "-m", message, wt.Branch)
		merge.Dir = wt.RepositoryPath
		out, err := merge.CombinedOutput()
		if err != nil {
			if conflict := m.conflictFromMergeOutput(ctx, wt.RepositoryPath, string(out)); conflict != nil {
				_ = m.abortMerge(ctx, wt.RepositoryPath)
				return conflict
			}
			return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
		}

		sha, err = m.revParse(ctx, wt.RepositoryPath, "HEAD")
		return err
	})
	if err != nil {
		return "", err
	}
	return sha, nil
}

func (m *Manager) abortMerge(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "merge", "--abort")
	cmd.Dir = repoPath
	return cmd.Run()
}

func (m *Manager) conflictFromMergeOutput(ctx context.Context, repoPath, output string) error {
	if !strings.Contains(output, "CONFLICT") && !strings.Contains(output, "Automatic merge failed") {
		return nil
	}
	paths := m.conflictedPaths(ctx, repoPath)
	indexState, _ := m.revParse(ctx, repoPath, "MERGE_HEAD")
	return &MergeConflict{Paths: paths, IndexState: indexState}
}

func (m *Manager) conflictedPaths(ctx context.Context, repoPath string) []string {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return splitNonEmptyLines(string(out))
}

func (m *Manager) revParse(ctx context.Context, repoPath, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", ref)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse %s", ErrGitCommandFailed, ref)
	}
	return strings.TrimSpace(string(out)), nil
}

// Rebase rebases wt.Branch onto onto, inside the worktree's own checkout. On
// conflict the worktree is left in its conflicted state for inspection.
func (m *Manager) Rebase(ctx context.Context, wt *Worktree, onto string) error {
	return m.withRepoLock(wt.RepositoryPath, func() error {
		cmd := exec.CommandContext(ctx, "git", "rebase", onto)
		cmd.Dir = wt.Path
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		if strings.Contains(string(out), "CONFLICT") {
			return &RebaseConflict{Paths: m.conflictedPaths(ctx, wt.Path)}
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
	})
}

// Diff returns the files changed between wt.BaseBranch's common ancestor
// and wt.Branch's current tip. Diff is a read-only operation and may run
// concurrently with other Diff calls and with index-mutating operations.
func (m *Manager) Diff(ctx context.Context, wt *Worktree) ([]FileDiff, error) {
	mergeBase, err := m.revParse(ctx, wt.Path, wt.BaseBranch)
	if err != nil {
		return nil, err
	}
	mergeBaseCmd := exec.CommandContext(ctx, "git", "merge-base", wt.BaseBranch, wt.Branch)
	mergeBaseCmd.Dir = wt.Path
	if out, err := mergeBaseCmd.Output(); err == nil {
		mergeBase = strings.TrimSpace(string(out))
	}

	nameStatus := exec.CommandContext(ctx, "git", "diff", "--name-status", mergeBase, wt.Branch)
	nameStatus.Dir = wt.Path
	out, err := nameStatus.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: diff --name-status", ErrGitCommandFailed)
	}

	var diffs []FileDiff
	for _, line := range splitNonEmptyLines(string(out)) {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		fd := FileDiff{NewPath: fields[len(fields)-1], OldPath: fields[len(fields)-1]}
		switch fields[0][0] {
		case 'A':
			fd.Kind = FileAdded
		case 'D':
			fd.Kind = FileDeleted
		case 'R':
			fd.Kind = FileRenamed
			if len(fields) == 3 {
				fd.OldPath = fields[1]
				fd.NewPath = fields[2]
			}
		default:
			fd.Kind = FileModified
		}

		content, binary, oversized, err := m.fileDiffContent(ctx, wt.Path, mergeBase, wt.Branch, fd.NewPath)
		if err == nil {
			fd.Content = content
			fd.Binary = binary
			fd.Oversized = oversized
		}
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

func (m *Manager) fileDiffContent(ctx context.Context, worktreePath, from, to, path string) (content string, binary, oversized bool, err error) {
	cmd := exec.CommandContext(ctx, "git", "diff", from, to, "--", path)
	cmd.Dir = worktreePath
	var buf bytes.Buffer
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return "", false, false, fmt.Errorf("%w: diff %s", ErrGitCommandFailed, path)
	}
	if bytes.IndexByte(buf.Bytes(), 0) >= 0 {
		return "", true, false, nil
	}
	if buf.Len() > DiffContentThreshold {
		return "", false, true, nil
	}
	return buf.String(), false, false, nil
}

// Archive deletes the worktree directory and runs "git worktree prune",
// tolerating an already-missing directory. The branch itself is preserved.
func (m *Manager) Archive(ctx context.Context, wt *Worktree) error {
	return m.withRepoLock(wt.RepositoryPath, func() error {
		if _, err := os.Stat(wt.Path); err == nil {
			rm := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wt.Path)
			rm.Dir = wt.RepositoryPath
			if out, err := rm.CombinedOutput(); err != nil {
				m.logger.Warn("git worktree remove failed, forcing directory removal",
					zap.String("path", wt.Path), zap.String("output", strings.TrimSpace(string(out))))
				_ = os.RemoveAll(wt.Path)
			}
		} else if !os.IsNotExist(err) {
			return err
		}

		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = wt.RepositoryPath
		_ = prune.Run()

		m.mu.Lock()
		delete(m.worktrees, wt.AttemptID)
		m.mu.Unlock()
		return nil
	})
}

// Push pushes wt.Branch to remote. Credential failures are reported as
// vcs.ErrTokenInvalid so the Execution Orchestrator can prompt for re-auth.
func (m *Manager) Push(ctx context.Context, wt *Worktree, remote string) error {
	cmd := exec.CommandContext(ctx, "git", "push", remote, wt.Branch)
	cmd.Dir = wt.Path
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	lower := strings.ToLower(string(out))
	if strings.Contains(lower, "authentication failed") || strings.Contains(lower, "permission denied") || strings.Contains(lower, "invalid credentials") {
		return vcs.ErrTokenInvalid
	}
	return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(out)))
}

func (m *Manager) isGitRepo(path string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = path
	return cmd.Run() == nil
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoPath
	if cmd.Run() == nil {
		return true
	}
	remote := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	remote.Dir = repoPath
	return remote.Run() == nil
}

func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
