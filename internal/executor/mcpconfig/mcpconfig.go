// Package mcpconfig writes the small JSON file each CLI-based Executor
// Adapter auto-discovers to learn about the task orchestrator's MCP server,
// exposed over Streamable HTTP by internal/mcpserver (built on
// github.com/mark3labs/mcp-go).
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// serverEntry is the "mcpServers" object shape shared by Claude Code, Codex,
// and Gemini's config file formats for an HTTP-transport MCP server.
type serverEntry struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type document struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// Write renders a minimal MCP config file at path, pointing a single server
// named "taskctl" at endpointURL, and creating parent directories as needed.
// For adapters advertising CapDefaultMCPConfigPath, the Execution
// Orchestrator calls this before spawning the agent and passes the
// resulting path in SpawnRequest.MCPConfigPath.
func Write(path, endpointURL string, headers map[string]string) error {
	doc := document{MCPServers: map[string]serverEntry{
		"taskctl": {URL: endpointURL, Headers: headers},
	}}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("mcpconfig: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mcpconfig: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mcpconfig: write %s: %w", path, err)
	}
	return nil
}

// DefaultPath returns the per-attempt path a config should be written to,
// scoped by attempt ID so concurrent attempts never share or race on one
// file.
func DefaultPath(baseDir, attemptID string) string {
	return filepath.Join(baseDir, attemptID, "mcp-config.json")
}
