package procrunner

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskctl/taskctl/internal/common/logger"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return New(logger.Default(), 0)
}

func TestSpawnCapturesStdout(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnRequest{Command: "echo hello"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	status, code := h.Status()
	require.Equal(t, StatusExited, status)
	require.NotNil(t, code)
	require.Equal(t, 0, *code)

	var out []byte
	for _, c := range h.Stdout() {
		out = append(out, c.Data...)
	}
	require.Contains(t, string(out), "hello")
}

func TestSpawnNonZeroExit(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnRequest{Command: "exit 7"})
	require.NoError(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, h.Wait(ctx), &exitErr)

	status, code := h.Status()
	require.Equal(t, StatusFailed, status)
	require.Equal(t, 7, *code)
}

func TestSpawnEmptyCommandIsSpawnError(t *testing.T) {
	r := testRunner(t)
	_, err := r.Spawn(context.Background(), SpawnRequest{Command: ""})
	require.Error(t, err)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnRequest{Command: "sleep 30"})
	require.NoError(t, err)

	require.NoError(t, h.Kill(ctx, 500*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var exitErr *exec.ExitError
	require.ErrorAs(t, h.Wait(waitCtx), &exitErr)

	status, _ := h.Status()
	require.Equal(t, StatusKilled, status)
}

func TestKillOnAlreadyExitedProcessIsNoop(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnRequest{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	require.NoError(t, h.Kill(ctx, 0))
}

func TestRingBufferEvictsOldestChunks(t *testing.T) {
	b := newRingBuffer(10)
	b.append(StreamChunk{Stream: "stdout", Data: []byte("0123456789")})
	b.append(StreamChunk{Stream: "stdout", Data: []byte("abcde")})

	snap := b.snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "abcde", string(snap[0].Data))
}

func TestGetUntracksAfterExit(t *testing.T) {
	r := testRunner(t)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnRequest{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	time.Sleep(20 * time.Millisecond) // allow awaitExit's untrack to land
	_, ok := r.Get(h.ID)
	require.False(t, ok)
}
