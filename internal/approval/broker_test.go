package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	requested []Request
	resolved  []Decision
}

func (f *fakePublisher) PublishApprovalRequested(sessionID string, req Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, req)
}

func (f *fakePublisher) PublishApprovalResolved(sessionID string, id string, decision Decision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, decision)
}

func TestRequestApprovalAutoApproveBypassesBroker(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub)

	decision, err := b.RequestApproval(context.Background(), "sess-1", "bash", nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, decision.Status)
	require.Empty(t, pub.requested)
}

func TestRequestApprovalResolvedByUser(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub)

	var decision Decision
	var err error
	done := make(chan struct{})
	go func() {
		decision, err = b.RequestApproval(context.Background(), "sess-1", "bash", nil, false, 0)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, time.Millisecond)
	reqID := b.Pending()[0].ID

	require.NoError(t, b.Resolve(reqID, Decision{Status: StatusApproved}))
	<-done

	require.NoError(t, err)
	require.Equal(t, StatusApproved, decision.Status)
	require.Empty(t, b.Pending())
}

func TestRequestApprovalTimesOut(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub)

	decision, err := b.RequestApproval(context.Background(), "sess-1", "bash", nil, false, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, decision.Status)
}

func TestResolveUnknownRequestErrors(t *testing.T) {
	b := New(&fakePublisher{})
	err := b.Resolve("nonexistent", Decision{Status: StatusApproved})
	require.Error(t, err)
}
