package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskctl/taskctl/internal/procrunner"
)

// GeminiAdapter drives `gemini` in non-interactive JSON mode: one process
// per turn, a single JSON object per stdout line describing either text,
// a tool call, or a final usage summary.
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

func (a *GeminiAdapter) Variant() Variant { return VariantGemini }

func (a *GeminiAdapter) Capabilities() map[Capability]bool {
	return map[Capability]bool{
		CapSpawn:         true,
		CapNormalizeLogs: true,
	}
}

func (a *GeminiAdapter) BuildCommand(req SpawnRequest) (string, map[string]string, error) {
	if needsCompactShortCircuit(req) {
		return noopCommand, req.Env, nil
	}

	var b strings.Builder
	b.WriteString("gemini --output-format json")
	if req.Model != "" {
		fmt.Fprintf(&b, " --model %s", shellQuote(req.Model))
	}
	b.WriteString(" --prompt ")
	b.WriteString(shellQuote(req.Prompt))
	return b.String(), req.Env, nil
}

func (a *GeminiAdapter) Spawn(ctx context.Context, req SpawnRequest, handle *procrunner.ProcessHandle) (Session, error) {
	if needsCompactShortCircuit(req) {
		return synthesizeReply(NoActiveSessionToCompact), nil
	}
	return newPollingSession(handle, func(line []byte, stream string) []Event {
		return a.NormalizeLine(line)
	}), nil
}

type geminiLine struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ToolName string         `json:"toolName,omitempty"`
	ToolArgs map[string]any `json:"toolArgs,omitempty"`
	CallID   string         `json:"callId,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Stats    *struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	} `json:"stats,omitempty"`
}

func (a *GeminiAdapter) NormalizeLine(line []byte) []Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}
	var msg geminiLine
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
	}
	switch msg.Type {
	case "text":
		return []Event{{Kind: EventAssistantMessage, Timestamp: now(), Content: msg.Text}}
	case "tool_call":
		return []Event{{Kind: EventToolCall, Timestamp: now(), ToolName: msg.ToolName, ToolInput: msg.ToolArgs, CallID: msg.CallID}}
	case "tool_result":
		return []Event{{Kind: EventToolResult, Timestamp: now(), CallID: msg.CallID, Output: msg.Output, IsError: msg.Error != ""}}
	case "stats":
		if msg.Stats == nil {
			return nil
		}
		return []Event{{Kind: EventTokenUsage, Timestamp: now(), InputTokens: msg.Stats.InputTokens, OutputTokens: msg.Stats.OutputTokens}}
	case "error":
		return []Event{{Kind: EventError, Timestamp: now(), Message: msg.Error}}
	default:
		return []Event{{Kind: EventRaw, Timestamp: now(), Raw: line}}
	}
}
