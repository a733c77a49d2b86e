package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
)

// initTestRepo creates a bare-minimum git repository with one commit on
// "main", returning its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{BasePath: t.TempDir()}, logger.Default())
	require.NoError(t, err)
	return m
}

func TestEnsureWorktreeCreatesAndIsIdempotent(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt1, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)
	require.DirExists(t, wt1.Path)

	wt2, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)
	require.Equal(t, wt1.Path, wt2.Path)
	require.Equal(t, wt1.Branch, wt2.Branch)
}

func TestEnsureWorktreeRejectsNonGitRepo(t *testing.T) {
	m := testManager(t)
	_, err := m.EnsureWorktree(context.Background(), "attempt-1", "task-1", t.TempDir(), "main", "", "")
	require.ErrorIs(t, err, ErrRepoNotGit)
}

func TestEnsureWorktreeRejectsUnknownBaseBranch(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	_, err := m.EnsureWorktree(context.Background(), "attempt-1", "task-1", repo, "does-not-exist", "", "")
	require.ErrorIs(t, err, ErrInvalidBaseBranch)
}

func TestMergeChangesFastForward(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "feature.txt"), []byte("feature\n"), 0o644))
	runInDir(t, wt.Path, "add", ".")
	runInDir(t, wt.Path, "commit", "-m", "add feature")

	sha, err := m.MergeChanges(ctx, wt, "main", "merge feature")
	require.NoError(t, err)
	require.NotEmpty(t, sha)
	require.FileExists(t, filepath.Join(repo, "feature.txt"))
}

func TestMergeChangesConflict(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "README.md"), []byte("from branch\n"), 0o644))
	runInDir(t, wt.Path, "commit", "-am", "branch edit")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("from main\n"), 0o644))
	runInDir(t, repo, "commit", "-am", "main edit")

	_, err = m.MergeChanges(ctx, wt, "main", "merge feature")
	var conflict *MergeConflict
	require.ErrorAs(t, err, &conflict)
	require.Contains(t, conflict.Paths, "README.md")
}

func TestDiffReportsAddedFile(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("content\n"), 0o644))
	runInDir(t, wt.Path, "add", ".")
	runInDir(t, wt.Path, "commit", "-m", "add new file")

	diffs, err := m.Diff(ctx, wt)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, FileAdded, diffs[0].Kind)
	require.Equal(t, "new.txt", diffs[0].NewPath)
	require.Contains(t, diffs[0].Content, "content")
}

func TestArchiveRemovesWorktreeDirectory(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)

	require.NoError(t, m.Archive(ctx, wt))
	require.NoDirExists(t, wt.Path)

	_, ok := m.Get("attempt-1")
	require.False(t, ok)
}

func TestArchiveToleratesMissingDirectory(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	ctx := context.Background()

	wt, err := m.EnsureWorktree(ctx, "attempt-1", "task-1", repo, "main", "", "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(wt.Path))

	require.NoError(t, m.Archive(ctx, wt))
}

func runInDir(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
