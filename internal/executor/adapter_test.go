package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesByVariant(t *testing.T) {
	r := NewRegistry(NewEchoAdapter(), NewClaudeCodeAdapter())

	echo, ok := r.Get(VariantEcho)
	require.True(t, ok)
	require.Equal(t, VariantEcho, echo.Variant())

	_, ok = r.Get(VariantCodex)
	require.False(t, ok)
}

func TestHasReflectsCapabilities(t *testing.T) {
	a := NewGeminiAdapter()
	require.True(t, Has(a, CapSpawn))
	require.False(t, Has(a, CapSpawnFollowUp))
}

func TestEchoBuildCommandQuotesPrompt(t *testing.T) {
	a := NewEchoAdapter()
	cmd, _, err := a.BuildCommand(SpawnRequest{Prompt: "it's a test"})
	require.NoError(t, err)
	require.Contains(t, cmd, `'it'\''s a test'`)
}

func TestClaudeCodeNormalizeLineAssistantText(t *testing.T) {
	a := NewClaudeCodeAdapter()
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`)
	events := a.NormalizeLine(line)
	require.Len(t, events, 1)
	require.Equal(t, EventAssistantMessage, events[0].Kind)
	require.Equal(t, "hello", events[0].Content)
}

func TestClaudeCodeNormalizeLineToolUse(t *testing.T) {
	a := NewClaudeCodeAdapter()
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"call-1","name":"bash","input":{"command":"ls"}}]}}`)
	events := a.NormalizeLine(line)
	require.Len(t, events, 1)
	require.Equal(t, EventToolCall, events[0].Kind)
	require.Equal(t, "bash", events[0].ToolName)
	require.Equal(t, "call-1", events[0].CallID)
}

func TestClaudeCodeNormalizeLineSystemSessionConfigured(t *testing.T) {
	a := NewClaudeCodeAdapter()
	line := []byte(`{"type":"system","session_id":"sess-123"}`)
	events := a.NormalizeLine(line)
	require.Len(t, events, 1)
	require.Equal(t, EventSessionConfigured, events[0].Kind)
	require.Equal(t, "sess-123", events[0].SessionID)
}

func TestClaudeCodeNormalizeLineUnparseableIsRaw(t *testing.T) {
	a := NewClaudeCodeAdapter()
	events := a.NormalizeLine([]byte("not json"))
	require.Len(t, events, 1)
	require.Equal(t, EventRaw, events[0].Kind)
}

func TestCodexNormalizeLineAgentMessage(t *testing.T) {
	a := NewCodexAdapter()
	line := []byte(`{"method":"item/completed","params":{"item":{"id":"i1","type":"agentMessage","text":"done"}}}`)
	events := a.NormalizeLine(line)
	require.Len(t, events, 1)
	require.Equal(t, EventAssistantMessage, events[0].Kind)
	require.Equal(t, "done", events[0].Content)
}

func TestGeminiNormalizeLineToolResult(t *testing.T) {
	a := NewGeminiAdapter()
	line := []byte(`{"type":"tool_result","callId":"c1","output":"42"}`)
	events := a.NormalizeLine(line)
	require.Len(t, events, 1)
	require.Equal(t, EventToolResult, events[0].Kind)
	require.Equal(t, "42", events[0].Output)
}
