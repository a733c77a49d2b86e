package eventhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/eventbus"
	"github.com/taskctl/taskctl/internal/eventhook"
	"github.com/taskctl/taskctl/internal/store"
)

func TestHookPublishesOnAttemptUpdate(t *testing.T) {
	bus := eventbus.NewMemoryBus(logger.Default())
	t.Cleanup(bus.Close)

	received := make(chan *eventbus.Event, 1)
	_, err := bus.Subscribe(eventhook.Subject, func(ctx context.Context, e *eventbus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	h := eventhook.New(bus, 0, logger.Default())
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	repo, err := store.NewSQLiteRepository(t.TempDir() + "/taskctl_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	h.Attach(repo)

	ctx := context.Background()
	project := &store.Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo"}
	require.NoError(t, repo.CreateProject(ctx, project))
	task := &store.Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &store.TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: "claude_code"}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	require.NoError(t, repo.UpdateAttemptStatus(ctx, attempt.ID, store.AttemptAgentRunning))

	select {
	case e := <-received:
		require.Equal(t, attempt.ID, e.Data["attempt_id"])
		require.Equal(t, string(store.AttemptAgentRunning), e.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEnqueueDropsOldestWhenQueueFull(t *testing.T) {
	bus := eventbus.NewMemoryBus(logger.Default())
	t.Cleanup(bus.Close)

	h := eventhook.New(bus, 1, logger.Default())
	// Popper never started: every enqueue piles up behind the single slot,
	// exercising the drop-oldest path directly.
	repo, err := store.NewSQLiteRepository(t.TempDir() + "/taskctl_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	h.Attach(repo)

	ctx := context.Background()
	project := &store.Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo"}
	require.NoError(t, repo.CreateProject(ctx, project))
	task := &store.Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t", BaseBranch: "main"}
	require.NoError(t, repo.CreateTask(ctx, task))
	attempt := &store.TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, ExecutorKind: "claude_code"}
	require.NoError(t, repo.CreateAttempt(ctx, attempt))

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.UpdateAttemptStatus(ctx, attempt.ID, store.AttemptAgentRunning))
	}

	require.Greater(t, h.Dropped(), uint64(0))
}

func TestStartStopIsIdempotent(t *testing.T) {
	bus := eventbus.NewMemoryBus(logger.Default())
	t.Cleanup(bus.Close)

	h := eventhook.New(bus, 0, logger.Default())
	ctx := context.Background()
	h.Start(ctx)
	h.Start(ctx)
	h.Stop()
	h.Stop()
}
