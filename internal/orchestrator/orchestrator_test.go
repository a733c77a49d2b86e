package orchestrator_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/executor"
	"github.com/taskctl/taskctl/internal/executor/profile"
	"github.com/taskctl/taskctl/internal/orchestrator"
	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/streamhub"
	"github.com/taskctl/taskctl/internal/worktree"
)

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
}

// slowAdapter is a test double for exercising Kill and the
// already-running guard: its command sleeps long enough that the
// background pump is still draining when the test asserts against it.
type slowAdapter struct{}

const variantSlow executor.Variant = "slow_test"

func (slowAdapter) Variant() executor.Variant { return variantSlow }

func (slowAdapter) Capabilities() map[executor.Capability]bool {
	return map[executor.Capability]bool{executor.CapSpawn: true}
}

func (slowAdapter) BuildCommand(req executor.SpawnRequest) (string, map[string]string, error) {
	return "sleep 5", nil, nil
}

func (slowAdapter) Spawn(ctx context.Context, req executor.SpawnRequest, handle *procrunner.ProcessHandle) (executor.Session, error) {
	return &handleSession{handle: handle}, nil
}

func (slowAdapter) NormalizeLine(line []byte) []executor.Event { return nil }

// handleSession adapts a bare procrunner.ProcessHandle to executor.Session
// without emitting any events, for adapters that don't need normalization.
type handleSession struct{ handle *procrunner.ProcessHandle }

func (s *handleSession) Events() <-chan executor.Event {
	ch := make(chan executor.Event)
	close(ch)
	return ch
}

func (s *handleSession) Wait(ctx context.Context) error { return s.handle.Wait(ctx) }
func (s *handleSession) Kill(ctx context.Context) error { return s.handle.Kill(ctx, 2*time.Second) }

func newTestOrchestrator(t *testing.T, extra ...executor.Adapter) (*orchestrator.Orchestrator, store.Repository, *streamhub.Registry, string) {
	t.Helper()
	tmp := t.TempDir()

	repoDir := filepath.Join(tmp, "repo")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initGitRepo(t, repoDir)

	repo, err := store.NewSQLiteRepository(filepath.Join(tmp, "taskctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	runner := procrunner.New(logger.Default(), 0)
	all := append([]executor.Adapter{executor.NewEchoAdapter()}, extra...)
	adapters := executor.NewRegistry(all...)
	profiles, err := profile.Load(filepath.Join(tmp, "profiles.yaml"))
	require.NoError(t, err)
	worktrees, err := worktree.NewManager(worktree.Config{BasePath: filepath.Join(tmp, "worktrees")}, logger.Default())
	require.NoError(t, err)
	streams := streamhub.NewRegistry(0)

	orc := orchestrator.New(repo, runner, adapters, profiles, worktrees, streams, filepath.Join(tmp, "mcp"), "", logger.Default())
	return orc, repo, streams, repoDir
}

func waitForStatus(t *testing.T, repo store.Repository, attemptID string, want store.AttemptStatus) *store.TaskAttempt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a, err := repo.GetAttempt(context.Background(), attemptID)
		require.NoError(t, err)
		if a.Status == want {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("attempt never reached status %s", want)
	return nil
}

func TestStartRunsEchoAdapterToAgentExited(t *testing.T) {
	orc, repo, streams, repoDir := newTestOrchestrator(t)
	ctx := context.Background()

	project := &store.Project{ID: uuid.New().String(), Name: "demo", GitRepoPath: repoDir}
	require.NoError(t, repo.CreateProject(ctx, project))

	task := &store.Task{ID: uuid.New().String(), ProjectID: project.ID, Title: "say hi", Description: "hello from the agent", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))

	attempt := &store.TaskAttempt{ID: uuid.New().String(), TaskID: task.ID, ExecutorKind: string(executor.VariantEcho)}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	require.NoError(t, orc.Start(ctx, attempt.ID))

	final := waitForStatus(t, repo, attempt.ID, store.AttemptAgentExited)
	require.Equal(t, store.AttemptAgentExited, final.Status)

	msgs := streams.Get(attempt.ID)
	require.NotNil(t, msgs)
	sub := msgs.HistoryPlusStream()
	var sawAssistantMessage bool
	for batch := range sub.Messages() {
		if strings.Contains(string(batch), "assistant_message") {
			sawAssistantMessage = true
		}
	}
	require.NoError(t, sub.Err())
	require.True(t, sawAssistantMessage, "expected an assistant_message event in the replayed history")
}

func TestStartReturnsAlreadyRunningWhileAgentIsLive(t *testing.T) {
	orc, repo, _, repoDir := newTestOrchestrator(t, slowAdapter{})
	ctx := context.Background()

	project := &store.Project{ID: uuid.New().String(), Name: "demo", GitRepoPath: repoDir}
	require.NoError(t, repo.CreateProject(ctx, project))
	task := &store.Task{ID: uuid.New().String(), ProjectID: project.ID, Title: "t", Description: "d", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &store.TaskAttempt{ID: uuid.New().String(), TaskID: task.ID, ExecutorKind: string(variantSlow)}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	require.NoError(t, orc.Start(ctx, attempt.ID))
	err := orc.Start(ctx, attempt.ID)
	require.ErrorIs(t, err, orchestrator.ErrAlreadyRunning)

	require.NoError(t, orc.Kill(ctx, attempt.ID))
	waitForStatus(t, repo, attempt.ID, store.AttemptKilled)
}

func TestKillTransitionsRunningAttemptToKilled(t *testing.T) {
	orc, repo, _, repoDir := newTestOrchestrator(t, slowAdapter{})
	ctx := context.Background()

	project := &store.Project{ID: uuid.New().String(), Name: "demo", GitRepoPath: repoDir}
	require.NoError(t, repo.CreateProject(ctx, project))
	task := &store.Task{ID: uuid.New().String(), ProjectID: project.ID, Title: "t", Description: "d", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &store.TaskAttempt{ID: uuid.New().String(), TaskID: task.ID, ExecutorKind: string(variantSlow)}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	require.NoError(t, orc.Start(ctx, attempt.ID))
	require.NoError(t, orc.Kill(ctx, attempt.ID))

	final := waitForStatus(t, repo, attempt.ID, store.AttemptKilled)
	require.Equal(t, store.AttemptKilled, final.Status)
}
