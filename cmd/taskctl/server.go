// Package main is taskctl's unified entry point: a single binary that runs
// the Execution & Workspace Core (Message Store, Command Runner, Executor
// Adapters, Worktree Manager, Execution Orchestrator, PR Monitor, Event
// Service) behind either the full `start` server or the stripped
// `cloud-runner` server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/approval"
	"github.com/taskctl/taskctl/internal/common/config"
	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/common/tracing"
	"github.com/taskctl/taskctl/internal/eventbus"
	"github.com/taskctl/taskctl/internal/eventhook"
	"github.com/taskctl/taskctl/internal/executor"
	"github.com/taskctl/taskctl/internal/executor/profile"
	"github.com/taskctl/taskctl/internal/mcpserver"
	"github.com/taskctl/taskctl/internal/orchestrator"
	"github.com/taskctl/taskctl/internal/prmonitor"
	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/relay"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/streamhub"
	"github.com/taskctl/taskctl/internal/worktree"
)

// exit codes, per spec's CLI contract.
const (
	exitOK         = 0
	exitFatalInit  = 1
	exitConfigErr  = 2
	shutdownGrace  = 30 * time.Second
	defaultHTTPSrv = 8080
)

// app bundles every long-lived collaborator a server mode needs, so start
// and cloud-runner can each wire only the pieces they use.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	bus      eventbus.Bus
	repo     store.Repository
	runner   *procrunner.Runner
	registry *executor.Registry
	profiles *profile.Store
	trees    *worktree.Manager
	streams  *streamhub.Registry
	orch     *orchestrator.Orchestrator
	monitor  *prmonitor.Monitor
	hook     *eventhook.Hook
	relayCli *relay.Client
	broker   *approval.Broker
	mcpSrv   *mcpserver.Server
}

// loadConfig reads configuration, overriding the server port from PORT when
// set, per spec's §6.2 CLI contract.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	return cfg, nil
}

// buildApp wires every collaborator shared between server modes: the Event
// Service, Message Store, Command Runner, Executor Adapters, Worktree
// Manager, and Execution Orchestrator.
func buildApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	bus, err := eventbus.New(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	var repo store.Repository
	switch cfg.Database.Driver {
	case "postgres":
		repo, err = store.NewPostgresRepository(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		repo, err = store.NewSQLiteRepository(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("message store: %w", err)
	}

	profilesPath := cfg.Executor.ProfilesPath
	if profilesPath == "" {
		profilesPath, err = profile.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("executor profiles: %w", err)
		}
	}
	profiles, err := profile.Load(profilesPath)
	if err != nil {
		return nil, fmt.Errorf("executor profiles: %w", err)
	}

	wtCfg := worktree.Config{
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: worktree.DefaultBranchPrefix,
	}
	worktrees, err := worktree.NewManager(wtCfg, log)
	if err != nil {
		return nil, fmt.Errorf("worktree manager: %w", err)
	}

	registry := executor.NewRegistry(
		executor.NewClaudeCodeAdapter(),
		executor.NewCodexAdapter(),
		executor.NewGeminiAdapter(),
		executor.NewEchoAdapter(),
	)

	runner := procrunner.New(log, int64(cfg.Executor.OutputBufferBytes))
	streams := streamhub.NewRegistry(0)

	broker := approval.New(newStreamApprovalPublisher(streams))
	mcpSrv := mcpserver.New(mcpserver.Config{Port: mcpListenPort(cfg)}, broker, sessionAutoApprove(repo, profiles), log)

	mcpBaseDir, err := wtCfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("worktree base path: %w", err)
	}
	mcpBaseDir = filepath.Join(mcpBaseDir, ".mcp-config")

	orch := orchestrator.New(repo, runner, registry, profiles, worktrees, streams,
		mcpBaseDir, mcpSrv.StreamableHTTPEndpoint(), log)
	orch.ResolveToken = tokenResolver()

	monitor := prmonitor.New(repo, tokenResolver(), cfg.PRMonitor.PollInterval(), log)

	hook := eventhook.New(bus, 256, log)
	hook.Attach(repo)

	coordinatorURL := cfg.Relay.URL
	if v := os.Getenv("SHARED_API_BASE"); v != "" {
		coordinatorURL = v
	}
	var relayCli *relay.Client
	if coordinatorURL != "" {
		relayCli = relay.NewClient(coordinatorURL, cfg.Relay.SigningSecret,
			fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port), cfg.Relay.StreamBufferSize, log)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		repo:     repo,
		runner:   runner,
		registry: registry,
		profiles: profiles,
		trees:    worktrees,
		streams:  streams,
		orch:     orch,
		monitor:  monitor,
		hook:     hook,
		relayCli: relayCli,
		broker:   broker,
		mcpSrv:   mcpSrv,
	}, nil
}

// sessionAutoApprove resolves an MCP request_tool_approval call's session
// id (a TaskAttemptID) to its attempt's executor profile, reporting
// whether that profile runs in full-access auto-approve mode. Lookup
// failures (unknown attempt, unknown profile) fail closed to false, so a
// broken reference never silently bypasses approval.
func sessionAutoApprove(repo store.Repository, profiles *profile.Store) mcpserver.AutoApproveFunc {
	return func(sessionID string) bool {
		attempt, err := repo.GetAttempt(context.Background(), sessionID)
		if err != nil || attempt == nil {
			return false
		}
		p, err := profiles.Resolve(attempt.ProfileID)
		if err != nil {
			return false
		}
		return p.AutoApprove
	}
}

// mcpListenPort picks the MCP tool server's listen port: MCP_PORT when set,
// otherwise one above the HTTP server's port so the two never collide.
func mcpListenPort(cfg *config.Config) int {
	if v := os.Getenv("MCP_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			return p
		}
	}
	port := cfg.Server.Port
	if port <= 0 {
		port = defaultHTTPSrv
	}
	return port + 1
}

// tokenResolver builds a VCS credential resolver from process environment,
// one variable per provider, mirroring how the teacher's credential
// providers layer environment-sourced secrets ahead of a vault lookup.
func tokenResolver() func(repo store.RepoInfo) string {
	envByProvider := map[store.RepoProvider]string{
		store.ProviderGitHub:     "GITHUB_TOKEN",
		store.ProviderGitLab:     "GITLAB_TOKEN",
		store.ProviderBitbucket:  "BITBUCKET_TOKEN",
		store.ProviderAzureDevOp: "AZURE_DEVOPS_TOKEN",
		store.ProviderForgejo:    "FORGEJO_TOKEN",
	}
	return func(repo store.RepoInfo) string {
		envVar, ok := envByProvider[repo.Provider]
		if !ok {
			return ""
		}
		return os.Getenv(envVar)
	}
}

// runServer starts router behind an http.Server on cfg's configured port
// and blocks until SIGINT/SIGTERM, then drains background collaborators in
// the order they depend on each other.
func runServer(a *app, router *gin.Engine) int {
	port := a.cfg.Server.Port
	if port <= 0 {
		port = defaultHTTPSrv
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: a.cfg.Server.WriteTimeoutDuration(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.mcpSrv != nil {
		if err := a.mcpSrv.Start(ctx); err != nil {
			a.log.Error("mcp server failed to start", zap.Error(err))
			return exitFatalInit
		}
	}
	if a.hook != nil {
		go a.hook.Start(ctx)
	}
	if a.monitor != nil {
		go a.monitor.Start(ctx)
	}
	if a.relayCli != nil {
		go func() {
			if err := a.relayCli.Connect(ctx); err != nil {
				a.log.Warn("relay client disconnected", zap.Error(err))
			}
		}()
	}

	go func() {
		a.log.Info("server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown error", zap.Error(err))
	}
	if err := a.runner.KillAll(shutdownCtx, 5*time.Second); err != nil {
		a.log.Error("command runner shutdown error", zap.Error(err))
	}
	if a.orch != nil {
		a.orch.Close()
	}
	if a.mcpSrv != nil {
		if err := a.mcpSrv.Stop(shutdownCtx); err != nil {
			a.log.Error("mcp server shutdown error", zap.Error(err))
		}
	}
	if a.relayCli != nil {
		_ = a.relayCli.Close()
	}
	if closer, ok := a.repo.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		a.log.Error("tracing shutdown error", zap.Error(err))
	}

	a.log.Info("stopped")
	return exitOK
}
