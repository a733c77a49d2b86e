package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(t.TempDir() + "/taskctl_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestProjectTaskAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	project := &Project{
		ID:          uuid.NewString(),
		Name:        "demo",
		GitRepoPath: "/tmp/demo",
		Repo:        RepoInfo{Provider: ProviderGitHub, Host: "github.com", Owner: "acme", Name: "demo"},
	}
	require.NoError(t, repo.CreateProject(ctx, project))

	got, err := repo.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, project.Name, got.Name)
	require.Equal(t, ProviderGitHub, got.Repo.Provider)

	task := &Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "fix bug", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))

	attempt := &TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: "claude_code"}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	var observed []TaskAttempt
	repo.OnAttemptUpdated(func(a TaskAttempt) { observed = append(observed, a) })

	require.NoError(t, repo.UpdateAttemptStatus(ctx, attempt.ID, AttemptAgentRunning))
	require.Len(t, observed, 1)
	require.Equal(t, AttemptAgentRunning, observed[0].Status)

	open, err := repo.ListOpenAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, repo.SetAttemptPullRequest(ctx, attempt.ID, "https://github.com/acme/demo/pull/1", 1))
	final, err := repo.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, AttemptPrOpen, final.Status)
	require.Equal(t, 1, *final.PrNumber)
}

func TestExecutorSessionUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	project := &Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo"}
	require.NoError(t, repo.CreateProject(ctx, project))
	task := &Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t"}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: "codex"}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	require.NoError(t, repo.UpsertExecutorSession(ctx, &ExecutorSession{AttemptID: attempt.ID, NativeSessionID: "sess-1"}))
	require.NoError(t, repo.UpsertExecutorSession(ctx, &ExecutorSession{AttemptID: attempt.ID, NativeSessionID: "sess-2"}))

	s, err := repo.GetExecutorSession(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, "sess-2", s.NativeSessionID)
}

func TestGetProjectNotFound(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.GetProject(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
