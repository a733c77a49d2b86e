package streamhub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rawEntry(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestStreamFanOutFidelity exercises the invariant: for N patches and K
// subscribers attaching at arbitrary moments, each subscriber receives
// exactly the N patches in push order, followed by the finish sentinel.
func TestStreamFanOutFidelity(t *testing.T) {
	store := New(0)

	var wg sync.WaitGroup
	results := make([][]string, 3)

	// Subscriber 0 attaches before anything is pushed.
	subs := make([]*Subscription, 3)
	subs[0] = store.HistoryPlusStream()

	store.PushPatch(rawEntry(t, map[string]string{"kind": "UserMessage", "content": "hi"}))
	store.PushPatch(rawEntry(t, map[string]string{"kind": "AssistantMessage", "content": "hello"}))

	// Subscriber 1 attaches mid-stream, after two entries.
	subs[1] = store.HistoryPlusStream()

	store.PushPatch(rawEntry(t, map[string]string{"kind": "ToolCall", "name": "ls"}))
	store.PushFinished()

	// Subscriber 2 attaches after the store finished.
	subs[2] = store.HistoryPlusStream()

	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			var got []string
			for msg := range sub.Messages() {
				got = append(got, string(msg))
			}
			results[i] = got
		}(i, sub)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribers to drain")
	}

	require.Len(t, results[0], 4) // 3 entries + finished
	require.Len(t, results[1], 4) // 2 replayed entries, then ToolCall + finished
	require.Len(t, results[2], 4) // full replay, then closed (attached after finish)

	require.Contains(t, results[0][0], "UserMessage")
	require.Contains(t, results[0][1], "AssistantMessage")
	require.Contains(t, results[0][2], "ToolCall")
	require.Contains(t, results[0][3], "finished")

	require.Contains(t, results[1][2], "ToolCall")
	require.Contains(t, results[1][3], "finished")

	require.Contains(t, results[2][3], "finished")
}

func TestNoGapsAcrossSubscribers(t *testing.T) {
	store := New(0)
	sub := store.HistoryPlusStream()

	for i := 0; i < 10; i++ {
		store.PushPatch(rawEntry(t, map[string]int{"i": i}))
	}
	store.PushFinished()

	var count int
	for range sub.Messages() {
		count++
	}
	require.Equal(t, 11, count) // 10 entries + finished
}

func TestSubscriberLaggedIsolatesOtherSubscribers(t *testing.T) {
	store := New(2) // tiny high-water mark to force lag quickly

	slow := store.HistoryPlusStream()
	fast := store.HistoryPlusStream()

	// Fast subscriber drains each batch as soon as it is pushed and sees
	// everything.
	var fastCount int
	for i := 0; i < 50; i++ {
		store.PushPatch(rawEntry(t, map[string]int{"i": i}))
		<-fast.Messages()
		fastCount++
	}
	store.PushFinished()

	for range fast.Messages() {
		fastCount++
	}
	require.Equal(t, 51, fastCount)

	// Slow subscriber never read — it must have been dropped for lagging,
	// without affecting the fast one above.
	for range slow.Messages() {
		// drain whatever fit before the drop
	}
	require.ErrorIs(t, slow.Err(), ErrSubscriberLagged)
}

func TestPushFinishedIsSticky(t *testing.T) {
	store := New(0)
	store.PushFinished()
	store.PushFinished() // no-op, must not panic or duplicate the sentinel
	store.PushPatch(rawEntry(t, map[string]string{"kind": "UserMessage"}))

	sub := store.HistoryPlusStream()
	var msgs []string
	for m := range sub.Messages() {
		msgs = append(msgs, string(m))
	}
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "finished")
}

func TestWriteSSEFraming(t *testing.T) {
	store := New(0)
	sub := store.HistoryPlusStream()
	store.PushPatch(rawEntry(t, map[string]string{"kind": "UserMessage"}))
	store.PushFinished()

	var buf fakeWriter
	require.NoError(t, WriteSSE(&buf, sub, nil))
	require.Contains(t, buf.String(), "data: ")
	require.Contains(t, buf.String(), "finished")
}

type fakeWriter struct{ data []byte }

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *fakeWriter) String() string { return string(w.data) }

func TestRegistryGetOrCreate(t *testing.T) {
	reg := NewRegistry(0)
	a := reg.GetOrCreate("exec-1")
	b := reg.GetOrCreate("exec-1")
	require.Same(t, a, b)

	reg.Drop("exec-1")
	require.Nil(t, reg.Get("exec-1"))
}

func TestEntryBatchPaths(t *testing.T) {
	b := entryBatch(2, []json.RawMessage{rawEntry(t, 1), rawEntry(t, 2)})
	require.Equal(t, "/entries/2", b[0].Path)
	require.Equal(t, "/entries/3", b[1].Path)
}
