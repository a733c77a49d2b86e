package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/streamhub"
)

// pollInterval governs how often a live stdout/stderr/stream endpoint checks
// for newly captured output once it has drained everything buffered so far.
const pollInterval = 100 * time.Millisecond

// killGrace is the grace period given to a killed process before escalating
// to SIGKILL, matching the default ProcessHandle.Kill uses when called with
// a zero duration.
const killGrace = 2 * time.Second

type spawnCommandRequest struct {
	Command string            `json:"command" binding:"required"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// spawnCommand handles POST /commands.
func (h *Handlers) spawnCommand(c *gin.Context) {
	var req spawnCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	handle, err := h.runner.Spawn(c.Request.Context(), procrunner.SpawnRequest{
		Command:    shellJoin(req.Command, req.Args),
		WorkingDir: req.Cwd,
		Env:        req.Env,
	})
	if err != nil {
		h.log.Warn("spawn command failed", zap.String("command", req.Command), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"process_id": handle.ID})
}

// killCommand handles DELETE /commands/:id. Idempotent: killing an unknown
// or already-completed process id still reports success.
func (h *Handlers) killCommand(c *gin.Context) {
	id := c.Param("id")
	handle, ok := h.runner.Get(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"killed": true})
		return
	}
	if err := handle.Kill(c.Request.Context(), killGrace); err != nil {
		h.log.Warn("kill command failed", zap.String("process_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

// commandStatus handles GET /commands/:id/status.
func (h *Handlers) commandStatus(c *gin.Context) {
	id := c.Param("id")
	handle, ok := h.runner.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}

	status, exitCode := handle.Status()
	body := gin.H{"running": status == procrunner.StatusRunning}
	if exitCode != nil {
		body["exit_code"] = *exitCode
		body["success"] = status == procrunner.StatusExited && *exitCode == 0
	}
	c.JSON(http.StatusOK, body)
}

// streamStdout handles GET /commands/:id/stdout.
func (h *Handlers) streamStdout(c *gin.Context) {
	h.streamOne(c, func(handle *procrunner.ProcessHandle) []procrunner.StreamChunk { return handle.Stdout() })
}

// streamStderr handles GET /commands/:id/stderr.
func (h *Handlers) streamStderr(c *gin.Context) {
	h.streamOne(c, func(handle *procrunner.ProcessHandle) []procrunner.StreamChunk { return handle.Stderr() })
}

// streamCombined handles GET /commands/:id/stream: stdout and stderr
// interleaved in capture order.
func (h *Handlers) streamCombined(c *gin.Context) {
	h.streamOne(c, func(handle *procrunner.ProcessHandle) []procrunner.StreamChunk {
		chunks := append(handle.Stdout(), handle.Stderr()...)
		sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Timestamp.Before(chunks[j].Timestamp) })
		return chunks
	})
}

// streamOne drains a process's captured output as a chunked octet-stream,
// closing once the process has exited and every captured chunk has been
// written, mirroring the teacher's Docker build-output streaming handler.
func (h *Handlers) streamOne(c *gin.Context, snapshot func(*procrunner.ProcessHandle) []procrunner.StreamChunk) {
	id := c.Param("id")
	handle, ok := h.runner.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)

	written := 0
	ctx := c.Request.Context()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		chunks := snapshot(handle)
		if written < len(chunks) {
			for _, chunk := range chunks[written:] {
				if _, err := c.Writer.Write(chunk.Data); err != nil {
					return
				}
			}
			written = len(chunks)
			c.Writer.Flush()
		}

		if status, _ := handle.Status(); status != procrunner.StatusRunning {
			// Process has exited: take one more snapshot in case a final
			// chunk landed between the read above and this check, then stop.
			if final := snapshot(handle); written < len(final) {
				for _, chunk := range final[written:] {
					if _, err := c.Writer.Write(chunk.Data); err != nil {
						return
					}
				}
				c.Writer.Flush()
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// streamExecution handles GET /events/execution/:id: an SSE tail of the
// Message Store for this execution id, per spec's "data: <patch>\n\n" /
// "data: finished\n\n" wire format.
func (h *Handlers) streamExecution(c *gin.Context) {
	id := c.Param("id")
	store := h.events.Get(id)
	if store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	sub := store.HistoryPlusStream()
	defer sub.Unsubscribe()

	if err := streamhub.WriteSSE(c.Writer, sub, c.Writer.Flush); err != nil {
		h.log.Debug("execution event stream ended", zap.String("execution_id", id), zap.Error(err))
	}
}

// shellJoin renders command and args as a single "sh -lc" command line,
// single-quoting each argument so embedded spaces or shell metacharacters
// are passed through literally rather than re-interpreted.
func shellJoin(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
