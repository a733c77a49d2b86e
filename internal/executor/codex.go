package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// Notification method names used by `codex exec --json`'s non-interactive
// protocol, a subset of Codex's interactive app-server JSON-RPC notifications.
const (
	codexNotifyThreadStarted = "thread/started"
	codexNotifyItemStarted   = "item/started"
	codexNotifyItemCompleted = "item/completed"
	codexNotifyError         = "error"
)

// CodexAdapter drives `codex exec --json`, Codex's non-interactive mode: one
// process per turn, newline-delimited JSON-RPC notifications on stdout using
// the same method names as pkg/codex's interactive app-server protocol
// (item/started, item/completed, turn/completed, ...), just without the
// request/response handshake a persistent session would need.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) Variant() Variant { return VariantCodex }

func (a *CodexAdapter) Capabilities() map[Capability]bool {
	return map[Capability]bool{
		CapSpawn:         true,
		CapSpawnFollowUp: true,
		CapNormalizeLogs: true,
	}
}

func (a *CodexAdapter) BuildCommand(req SpawnRequest) (string, map[string]string, error) {
	if needsCompactShortCircuit(req) {
		return noopCommand, req.Env, nil
	}

	var b strings.Builder
	b.WriteString("codex exec --json --skip-git-repo-check")
	if req.Model != "" {
		fmt.Fprintf(&b, " --model %s", shellQuote(req.Model))
	}
	if req.SessionID != "" {
		fmt.Fprintf(&b, " resume %s", shellQuote(req.SessionID))
	}
	b.WriteString(" -- ")
	b.WriteString(shellQuote(req.Prompt))
	return b.String(), req.Env, nil
}

func (a *CodexAdapter) Spawn(ctx context.Context, req SpawnRequest, handle *procrunner.ProcessHandle) (Session, error) {
	if needsCompactShortCircuit(req) {
		return synthesizeReply(NoActiveSessionToCompact), nil
	}
	return newPollingSession(handle, func(line []byte, stream string) []Event {
		return a.NormalizeLine(line)
	}), nil
}

type codexNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type codexItemPayload struct {
	Item struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Text    string          `json:"text,omitempty"`
		Command string          `json:"command,omitempty"`
		Output  string          `json:"output,omitempty"`
		Status  string          `json:"status,omitempty"`
		Paths   []string        `json:"paths,omitempty"`
	} `json:"item"`
}

type codexThreadPayload struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

func (a *CodexAdapter) NormalizeLine(line []byte) []Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var notif codexNotification
	if err := json.Unmarshal([]byte(trimmed), &notif); err != nil {
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
	}

	switch notif.Method {
	case codexNotifyThreadStarted:
		var payload codexThreadPayload
		_ = json.Unmarshal(notif.Params, &payload)
		return []Event{{Kind: EventSessionConfigured, Timestamp: now(), SessionID: payload.Thread.ID}}
	case codexNotifyItemCompleted, codexNotifyItemStarted:
		var payload codexItemPayload
		if err := json.Unmarshal(notif.Params, &payload); err != nil {
			return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
		}
		switch payload.Item.Type {
		case "agentMessage":
			return []Event{{Kind: EventAssistantMessage, Timestamp: now(), Content: payload.Item.Text}}
		case "reasoning":
			return []Event{{Kind: EventAssistantMessage, Timestamp: now(), Thinking: payload.Item.Text}}
		case "commandExecution":
			if notif.Method == codexNotifyItemStarted {
				return []Event{{Kind: EventToolCall, Timestamp: now(), ToolName: "exec", ToolInput: map[string]any{"command": payload.Item.Command}, CallID: payload.Item.ID}}
			}
			return []Event{{Kind: EventToolResult, Timestamp: now(), CallID: payload.Item.ID, Output: payload.Item.Output, IsError: payload.Item.Status == "failed"}}
		case "fileChange":
			var events []Event
			for _, p := range payload.Item.Paths {
				events = append(events, Event{Kind: EventFileChanged, Timestamp: now(), Path: p, ChangeKind: FileChangeModified})
			}
			return events
		default:
			return nil
		}
	case codexNotifyError:
		return []Event{{Kind: EventError, Timestamp: now(), Message: string(notif.Params)}}
	default:
		return nil
	}
}
