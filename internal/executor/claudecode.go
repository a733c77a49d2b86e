package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// ClaudeCodeAdapter drives the `claude` CLI in stream-json mode: one process
// per turn, a single prompt argument, newline-delimited JSON on stdout. The
// wire shapes mirror pkg/claudecode's CLIMessage types; this adapter only
// needs enough of that shape to classify a line, not the full control-request
// handshake a long-lived interactive session would use.
type ClaudeCodeAdapter struct{}

func NewClaudeCodeAdapter() *ClaudeCodeAdapter { return &ClaudeCodeAdapter{} }

func (a *ClaudeCodeAdapter) Variant() Variant { return VariantClaudeCode }

func (a *ClaudeCodeAdapter) Capabilities() map[Capability]bool {
	return map[Capability]bool{
		CapSpawn:                true,
		CapSpawnFollowUp:        true,
		CapNormalizeLogs:        true,
		CapDefaultMCPConfigPath: true,
	}
}

func (a *ClaudeCodeAdapter) BuildCommand(req SpawnRequest) (string, map[string]string, error) {
	if needsCompactShortCircuit(req) {
		return noopCommand, req.Env, nil
	}

	var b strings.Builder
	b.WriteString("claude --print --output-format stream-json --input-format stream-json --verbose")
	if req.Model != "" {
		fmt.Fprintf(&b, " --model %s", shellQuote(req.Model))
	}
	if req.SessionID != "" {
		fmt.Fprintf(&b, " --resume %s", shellQuote(req.SessionID))
	}
	if req.MCPConfigPath != "" {
		fmt.Fprintf(&b, " --mcp-config %s", shellQuote(req.MCPConfigPath))
	}
	b.WriteString(" -- ")
	b.WriteString(shellQuote(req.Prompt))
	return b.String(), req.Env, nil
}

func (a *ClaudeCodeAdapter) Spawn(ctx context.Context, req SpawnRequest, handle *procrunner.ProcessHandle) (Session, error) {
	if needsCompactShortCircuit(req) {
		return synthesizeReply(NoActiveSessionToCompact), nil
	}
	return newPollingSession(handle, func(line []byte, stream string) []Event {
		return a.NormalizeLine(line)
	}), nil
}

// claudeCodeLine is the minimal subset of pkg/claudecode.CLIMessage this
// adapter needs to classify a stream-json line.
type claudeCodeLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   *struct {
		Role    string          `json:"role"`
		Model   string          `json:"model,omitempty"`
		Content json.RawMessage `json:"content"`
		Usage   *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (a *ClaudeCodeAdapter) NormalizeLine(line []byte) []Event {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return nil
	}

	var msg claudeCodeLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
	}

	switch msg.Type {
	case "system":
		return []Event{{Kind: EventSessionConfigured, Timestamp: now(), SessionID: msg.SessionID}}
	case "assistant", "user":
		if msg.Message == nil {
			return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
		}
		events := a.normalizeContent(msg.Type, msg.Message.Content)
		if msg.Message.Usage != nil {
			events = append(events, Event{
				Kind:                EventTokenUsage,
				Timestamp:           now(),
				InputTokens:         msg.Message.Usage.InputTokens,
				OutputTokens:        msg.Message.Usage.OutputTokens,
				CacheReadTokens:     msg.Message.Usage.CacheReadInputTokens,
				CacheCreationTokens: msg.Message.Usage.CacheCreationInputTokens,
			})
		}
		return events
	case "result":
		if msg.IsError {
			return []Event{{Kind: EventError, Timestamp: now(), Message: string(msg.Result)}}
		}
		return nil
	default:
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
	}
}

func (a *ClaudeCodeAdapter) normalizeContent(msgType string, raw json.RawMessage) []Event {
	if len(raw) == 0 {
		return nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		kind := EventAssistantMessage
		if msgType == "user" {
			kind = EventUserMessage
		}
		return []Event{{Kind: kind, Timestamp: now(), Content: plain}}
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: raw}}
	}

	var events []Event
	for _, block := range blocks {
		switch block.Type {
		case "text":
			events = append(events, Event{Kind: EventAssistantMessage, Timestamp: now(), Content: block.Text})
		case "thinking":
			events = append(events, Event{Kind: EventAssistantMessage, Timestamp: now(), Thinking: block.Thinking})
		case "tool_use":
			events = append(events, Event{Kind: EventToolCall, Timestamp: now(), ToolName: block.Name, ToolInput: block.Input, CallID: block.ID})
		case "tool_result":
			var output string
			_ = json.Unmarshal(block.Content, &output)
			events = append(events, Event{Kind: EventToolResult, Timestamp: now(), CallID: block.ToolUseID, Output: output, IsError: block.IsError})
		}
	}
	return events
}
