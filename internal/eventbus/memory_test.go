package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
)

func TestMemoryBusExactMatch(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("attempt.updated", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "attempt.updated", NewEvent("updated", "orchestrator", nil)))

	select {
	case e := <-received:
		require.Equal(t, "updated", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan string, 4)
	sub, err := b.Subscribe("attempt.*.status", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = b.Subscribe("attempt.>", func(ctx context.Context, e *Event) error { return nil })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "attempt.123.status", NewEvent("a", "x", nil)))
	require.NoError(t, b.Publish(context.Background(), "attempt.123.status.sub", NewEvent("b", "x", nil)))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wildcard match")
	}
}

func TestMemoryBusQueueGroupRoundRobin(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[int]int{}

	for i := 0; i < 3; i++ {
		idx := i
		sub, err := b.QueueSubscribe("pr.poll", "pr-monitors", func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()
	}

	for i := 0; i < 9; i++ {
		require.NoError(t, b.Publish(context.Background(), "pr.poll", NewEvent("tick", "pr-monitor", nil)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, c := range counts {
			total += c
		}
		return total == 9
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, 3, "each queue member should receive at least one delivery across 9 round-robin publishes")
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	sub, err := b.Subscribe("vcs.resolve", func(ctx context.Context, e *Event) error {
		reply := e.Data["_reply"].(string)
		return b.Publish(ctx, reply, NewEvent("resolved", "vcs", map[string]interface{}{"provider": "github"}))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	resp, err := b.Request(context.Background(), "vcs.resolve", NewEvent("resolve", "test", nil), time.Second)
	require.NoError(t, err)
	require.Equal(t, "github", resp.Data["provider"])
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()
	require.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "x", nil)))
	require.False(t, b.IsConnected())
}
