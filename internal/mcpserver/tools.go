package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/approval"
	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/common/stringutil"
)

// maxReasonLen bounds how much of a denial reason gets echoed back into the
// tool result text; a reviewer pasting a long explanation into the approval
// UI shouldn't blow up the agent's next turn.
const maxReasonLen = 500

func registerTools(s *server.MCPServer, broker *approval.Broker, autoApprove AutoApproveFunc, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("request_tool_approval",
			mcp.WithDescription(
				"Request user approval before running a gated tool call. Blocks until "+
					"the user approves, denies, or the request times out. Call this before "+
					"any tool invocation an executor profile has not marked full-access.",
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The execution session this approval request belongs to"),
			),
			mcp.WithString("tool_name",
				mcp.Required(),
				mcp.Description("Name of the tool the agent wants to invoke"),
			),
			mcp.WithObject("input",
				mcp.Description("The tool call's arguments, shown to the user for review"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Maximum time to wait for a decision; 0 or omitted waits indefinitely"),
			),
		),
		requestToolApprovalHandler(broker, autoApprove, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 1))
}

func requestToolApprovalHandler(broker *approval.Broker, autoApprove AutoApproveFunc, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil || sessionID == "" {
			return mcp.NewToolResultError("session_id is required"), nil
		}
		toolName, err := req.RequireString("tool_name")
		if err != nil || toolName == "" {
			return mcp.NewToolResultError("tool_name is required"), nil
		}

		var input map[string]any
		if raw, ok := req.GetArguments()["input"]; ok {
			if m, ok := raw.(map[string]any); ok {
				input = m
			}
		}

		timeout := time.Duration(req.GetFloat("timeout_seconds", 0) * float64(time.Second))

		decision, err := broker.RequestApproval(ctx, sessionID, toolName, input, autoApprove(sessionID), timeout)
		if err != nil {
			log.Warn("approval request failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		text := fmt.Sprintf("status: %s", decision.Status)
		if decision.Reason != "" {
			text += fmt.Sprintf("\nreason: %s", stringutil.TruncateStringWithEllipsis(decision.Reason, maxReasonLen))
		}
		return mcp.NewToolResultText(text), nil
	}
}
