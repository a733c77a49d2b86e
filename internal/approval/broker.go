// Package approval gates selected tool invocations from an Executor Adapter
// behind a user decision, publishing the pending request to the Message
// Store so UI subscribers can observe and resolve it.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of an approval request.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
	StatusPending  Status = "pending"
)

// Decision is the terminal resolution of a Request.
type Decision struct {
	Status Status
	Reason string
}

// Request describes one pending tool-call approval.
type Request struct {
	ID        string
	SessionID string
	ToolName  string
	Input     map[string]any
	CreatedAt time.Time
}

// pendingEntry pairs a Request with the one-shot channel its resolution is
// delivered on.
type pendingEntry struct {
	request Request
	decide  chan Decision
	once    sync.Once
}

func (e *pendingEntry) resolve(d Decision) {
	e.once.Do(func() { e.decide <- d })
}

// Publisher is the narrow slice of the Message Store a broker needs: it
// appends a pending-approval entry so UI subscribers following that
// session's stream observe the request without a separate channel.
type Publisher interface {
	PublishApprovalRequested(sessionID string, req Request)
	PublishApprovalResolved(sessionID string, id string, decision Decision)
}

// Broker tracks in-flight approval requests and brokers their resolution.
type Broker struct {
	publisher Publisher

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates a Broker publishing lifecycle events through pub.
func New(pub Publisher) *Broker {
	return &Broker{publisher: pub, pending: make(map[string]*pendingEntry)}
}

// RequestApproval gates a tool invocation. autoApprove bypasses the broker
// entirely with a synthetic Approved decision, matching an executor profile
// configured for full-access mode. A non-positive timeout waits
// indefinitely, per the default contract; a positive timeout resolves to
// StatusTimedOut if no decision arrives first.
func (b *Broker) RequestApproval(ctx context.Context, sessionID, toolName string, input map[string]any, autoApprove bool, timeout time.Duration) (Decision, error) {
	if autoApprove {
		return Decision{Status: StatusApproved}, nil
	}

	req := Request{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}

	entry := &pendingEntry{request: req, decide: make(chan Decision, 1)}

	b.mu.Lock()
	b.pending[req.ID] = entry
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	b.publisher.PublishApprovalRequested(sessionID, req)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case decision := <-entry.decide:
		return decision, nil
	case <-timeoutCh:
		decision := Decision{Status: StatusTimedOut}
		b.publisher.PublishApprovalResolved(sessionID, req.ID, decision)
		return decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a user decision for a pending request. Returns an error
// if no such request is outstanding (already resolved, timed out, or never
// existed).
func (b *Broker) Resolve(requestID string, decision Decision) error {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval: no pending request %q", requestID)
	}

	entry.resolve(decision)
	b.publisher.PublishApprovalResolved(entry.request.SessionID, requestID, decision)
	return nil
}

// Pending returns a snapshot of every currently outstanding request.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, e.request)
	}
	return out
}
