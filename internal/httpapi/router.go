// Package httpapi exposes the core-facing HTTP/WS surface the Relay Client
// proxies into: spawning and observing Command Runner processes, and
// streaming an execution's Message Store over SSE. The broader project,
// task, and authentication REST surface lives outside this module and is
// treated as an external collaborator.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/streamhub"
)

// Handlers serves the §6.3 HTTP surface: command spawn/kill/status/stream
// and execution event streaming.
type Handlers struct {
	runner *procrunner.Runner
	events *streamhub.Registry
	log    *logger.Logger
}

// NewRouter builds a gin.Engine exposing exactly the core-facing endpoints:
// POST /commands, DELETE /commands/:id, GET /commands/:id/status,
// GET /commands/:id/stdout|stderr|stream, GET /events/execution/:id.
func NewRouter(runner *procrunner.Runner, events *streamhub.Registry, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	h := &Handlers{
		runner: runner,
		events: events,
		log:    log.WithFields(zap.String("component", "httpapi")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(h.requestLogger())

	commands := router.Group("/commands")
	commands.POST("", h.spawnCommand)
	commands.DELETE("/:id", h.killCommand)
	commands.GET("/:id/status", h.commandStatus)
	commands.GET("/:id/stdout", h.streamStdout)
	commands.GET("/:id/stderr", h.streamStderr)
	commands.GET("/:id/stream", h.streamCombined)

	router.GET("/events/execution/:id", h.streamExecution)

	return router
}

// NewCloudRunnerRouter builds the stripped surface a cloud-runner process
// exposes to its coordinator over the Relay Control Channel: command
// spawn/kill/stream only, with no direct execution-event stream (the
// coordinator reaches that through the Relay, not this process's own port).
func NewCloudRunnerRouter(runner *procrunner.Runner, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Default()
	}
	h := &Handlers{
		runner: runner,
		log:    log.WithFields(zap.String("component", "httpapi"), zap.String("mode", "cloud-runner")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(h.requestLogger())

	commands := router.Group("/commands")
	commands.POST("", h.spawnCommand)
	commands.DELETE("/:id", h.killCommand)
	commands.GET("/:id/status", h.commandStatus)
	commands.GET("/:id/stdout", h.streamStdout)
	commands.GET("/:id/stderr", h.streamStderr)
	commands.GET("/:id/stream", h.streamCombined)

	return router
}

func (h *Handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
