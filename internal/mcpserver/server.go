// Package mcpserver exposes taskctl's own orchestration primitives back to
// a spawned agent CLI as an MCP tool server: the Approval Broker's
// request_tool_approval contract (spec §4.I), reachable over the same
// Streamable HTTP/SSE transports Claude Code, Codex, and Gemini auto-
// discover from the Executor Adapters' written MCP config file.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/approval"
	"github.com/taskctl/taskctl/internal/common/logger"
)

// Config holds the MCP server's listen configuration.
type Config struct {
	Port int // 0 picks an ephemeral port; the bound port appears in StreamableHTTPEndpoint after Start.
}

// AutoApproveFunc reports whether sessionID's executor profile runs in
// full-access mode, per spec §4.I: a true result bypasses the broker with a
// synthetic Approved decision instead of queuing a pending request.
type AutoApproveFunc func(sessionID string) bool

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the teacher's dual-transport shape: SSE (/sse) for
// Claude Desktop/Cursor-style clients, Streamable HTTP (/mcp) for Codex.
type Server struct {
	cfg                  Config
	broker               *approval.Broker
	autoApprove          AutoApproveFunc
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	log                  *logger.Logger

	mu      sync.Mutex
	running bool
}

// New creates an MCP server whose tools are backed by broker. autoApprove
// may be nil, meaning no session ever gets full-access auto-approval.
func New(cfg Config, broker *approval.Broker, autoApprove AutoApproveFunc, log *logger.Logger) *Server {
	if autoApprove == nil {
		autoApprove = func(string) bool { return false }
	}
	return &Server{
		cfg:         cfg,
		broker:      broker,
		autoApprove: autoApprove,
		log:         log.WithFields(zap.String("component", "mcpserver")),
	}
}

// Start binds a listener and serves both transports in a background
// goroutine, returning once the listener is bound so callers can read back
// StreamableHTTPEndpoint immediately.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpserver: already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("taskctl-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.broker, s.autoApprove, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcpserver: listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("mcp server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("mcpserver: shutdown: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("sse transport shutdown error", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("streamable http transport shutdown error", zap.Error(err))
		}
	}
	return nil
}

// StreamableHTTPEndpoint returns the Streamable HTTP URL written into an
// adapter's auto-discovered MCP config (internal/executor/mcpconfig).
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.cfg.Port)
}
