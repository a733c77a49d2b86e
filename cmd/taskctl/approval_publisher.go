package main

import (
	"encoding/json"

	"github.com/taskctl/taskctl/internal/approval"
	"github.com/taskctl/taskctl/internal/streamhub"
)

// streamApprovalPublisher publishes approval lifecycle events into the
// Message Store stream for a session, keyed by execution id so UI
// subscribers following that session's stream observe pending-approval
// entries inline with the rest of the transcript.
type streamApprovalPublisher struct {
	streams *streamhub.Registry
}

func newStreamApprovalPublisher(streams *streamhub.Registry) *streamApprovalPublisher {
	return &streamApprovalPublisher{streams: streams}
}

type approvalRequestedEntry struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type approvalResolvedEntry struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (p *streamApprovalPublisher) PublishApprovalRequested(sessionID string, req approval.Request) {
	entry := approvalRequestedEntry{
		Kind:      "approval_requested",
		ID:        req.ID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		CreatedAt: req.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	p.push(sessionID, entry)
}

func (p *streamApprovalPublisher) PublishApprovalResolved(sessionID string, id string, decision approval.Decision) {
	entry := approvalResolvedEntry{
		Kind:   "approval_resolved",
		ID:     id,
		Status: string(decision.Status),
		Reason: decision.Reason,
	}
	p.push(sessionID, entry)
}

func (p *streamApprovalPublisher) push(sessionID string, entry any) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	p.streams.GetOrCreate(sessionID).PushPatch(json.RawMessage(raw))
}
