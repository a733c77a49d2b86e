// Package orchestrator implements the Execution Orchestrator: the state
// machine driving a TaskAttempt from creation through setup, agent
// execution, and PR lifecycle, enforcing the exactly-one-running-process
// invariant and fanning every agent turn's normalized events into the
// Message Store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/appctx"
	"github.com/taskctl/taskctl/internal/common/constants"
	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/common/portutil"
	"github.com/taskctl/taskctl/internal/common/tracing"
	"github.com/taskctl/taskctl/internal/executor"
	"github.com/taskctl/taskctl/internal/executor/mcpconfig"
	"github.com/taskctl/taskctl/internal/executor/profile"
	"github.com/taskctl/taskctl/internal/procrunner"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/streamhub"
	"github.com/taskctl/taskctl/internal/vcs"
	"github.com/taskctl/taskctl/internal/worktree"
)

// Orchestrator composes the Command Runner, Executor Adapter registry,
// Worktree Manager, Message Store, and persistence Repository into the
// TaskAttempt state machine described by the Execution Orchestrator.
type Orchestrator struct {
	repo      store.Repository
	runner    *procrunner.Runner
	adapters  *executor.Registry
	profiles  *profile.Store
	worktrees *worktree.Manager
	streams   *streamhub.Registry
	log       *logger.Logger

	mcpBaseDir     string
	mcpEndpointURL string

	// ResolveToken returns the VCS credential for repo, e.g. from a secrets
	// store keyed by provider+owner. A nil func yields an empty token,
	// which is sufficient for providers whose CheckAuth/CreatePR accept
	// unauthenticated requests against public repos only.
	ResolveToken func(repo store.RepoInfo) string

	mu           sync.Mutex
	sessions     map[store.TaskAttemptID]executor.Session
	attemptLocks map[store.TaskAttemptID]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an Orchestrator. mcpBaseDir is the root directory per-attempt
// MCP config files are written under; mcpEndpointURL is the taskctl MCP
// server's externally reachable Streamable HTTP endpoint.
func New(repo store.Repository, runner *procrunner.Runner, adapters *executor.Registry, profiles *profile.Store, worktrees *worktree.Manager, streams *streamhub.Registry, mcpBaseDir, mcpEndpointURL string, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		repo:           repo,
		runner:         runner,
		adapters:       adapters,
		profiles:       profiles,
		worktrees:      worktrees,
		streams:        streams,
		mcpBaseDir:     mcpBaseDir,
		mcpEndpointURL: mcpEndpointURL,
		log:            log.WithFields(zap.String("component", "orchestrator")),
		sessions:       make(map[store.TaskAttemptID]executor.Session),
		attemptLocks:   make(map[store.TaskAttemptID]*sync.Mutex),
		stopCh:         make(chan struct{}),
	}
}

// Close signals every in-flight pump goroutine to wind down. Safe to call
// more than once; subsequent calls are no-ops.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// lockAttempt serializes every spawnAgent critical section (check-for-
// running-process, spawn, insert ExecutionProcess row) per attempt, so two
// concurrent Start/FollowUp calls on the same attempt can't both observe no
// running process and both spawn one. Returns the unlock func to defer.
func (o *Orchestrator) lockAttempt(id store.TaskAttemptID) func() {
	o.mu.Lock()
	lock, ok := o.attemptLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.attemptLocks[id] = lock
	}
	o.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Start ensures the attempt's worktree, runs its project's setup script (if
// any), then spawns the agent for a fresh conversation. It returns once the
// agent process has been launched; the turn itself completes asynchronously
// and is observable through the Message Store.
func (o *Orchestrator) Start(ctx context.Context, attemptID store.TaskAttemptID) error {
	attempt, wt, task, project, err := o.prepare(ctx, attemptID)
	if err != nil {
		return err
	}
	switch attempt.Status {
	case store.AttemptAgentRunning:
		return ErrAlreadyRunning
	case store.AttemptCreated, store.AttemptFailed:
		// proceeds below
	default:
		return fmt.Errorf("%w: attempt %s is %s, not created/failed", ErrInvalidTransition, attemptID, attempt.Status)
	}

	if task.Status == store.TaskTodo {
		if err := o.repo.UpdateTaskStatus(ctx, task.ID, store.TaskInProgress); err != nil {
			return err
		}
	}

	if project.CopyFiles != "" {
		if err := o.worktrees.CopyFiles(wt, project.CopyFiles); err != nil {
			return fmt.Errorf("orchestrator: copy files: %w", err)
		}
	}

	if project.SetupScript != "" {
		if err := o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptSetupRunning); err != nil {
			return err
		}
		setupCtx, cancel := context.WithTimeout(ctx, constants.SetupScriptTimeout)
		err := o.runSetup(setupCtx, attemptID, wt, project.SetupScript)
		cancel()
		if err != nil {
			_ = o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptFailed)
			return err
		}
	}

	launchCtx, cancel := context.WithTimeout(ctx, constants.AgentLaunchTimeout)
	defer cancel()
	return o.spawnAgent(launchCtx, attempt, wt, task, "", task.Description)
}

// FollowUp resumes a previously exited agent turn with an additional user
// message, for adapters advertising CapSpawnFollowUp.
func (o *Orchestrator) FollowUp(ctx context.Context, attemptID store.TaskAttemptID, message string) error {
	attempt, wt, task, _, err := o.prepare(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != store.AttemptAgentExited && attempt.Status != store.AttemptFailed {
		return fmt.Errorf("%w: attempt %s is %s, not agent_exited/failed", ErrInvalidTransition, attemptID, attempt.Status)
	}

	sess, err := o.repo.GetExecutorSession(ctx, attemptID)
	nativeSessionID := ""
	if err == nil {
		nativeSessionID = sess.NativeSessionID
	} else if err != store.ErrNotFound {
		return err
	}

	launchCtx, cancel := context.WithTimeout(ctx, constants.AgentLaunchTimeout)
	defer cancel()
	return o.spawnAgent(launchCtx, attempt, wt, task, nativeSessionID, message)
}

// spawnAgent resolves the attempt's adapter and profile, builds the spawn
// command, launches it through the Command Runner, and starts the
// background pump that drains its events into the Message Store.
func (o *Orchestrator) spawnAgent(ctx context.Context, attempt *store.TaskAttempt, wt *worktree.Worktree, task *store.Task, resumeSessionID, prompt string) error {
	ctx, span := tracing.StartExecutorSpan(ctx, attempt.ExecutorKind, attempt.ID)
	defer span.End()

	unlock := o.lockAttempt(attempt.ID)
	defer unlock()

	if running, err := o.repo.GetRunningProcess(ctx, attempt.ID); err == nil && running != nil {
		return ErrAlreadyRunning
	} else if err != nil && err != store.ErrNotFound {
		return err
	}

	variant := executor.Variant(attempt.ExecutorKind)
	adapter, ok := o.adapters.Get(variant)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, variant)
	}
	if resumeSessionID != "" && !executor.Has(adapter, executor.CapSpawnFollowUp) {
		return &executor.ErrNotSupported{Variant: variant, Capability: executor.CapSpawnFollowUp}
	}

	req := executor.SpawnRequest{WorkingDir: wt.Path, Prompt: prompt, SessionID: resumeSessionID}
	if p, err := o.profiles.Resolve(attempt.ProfileID); err == nil {
		req = p.ApplyTo(req)
	}
	if executor.Has(adapter, executor.CapDefaultMCPConfigPath) && o.mcpEndpointURL != "" {
		path := mcpconfig.DefaultPath(o.mcpBaseDir, attempt.ID)
		if err := mcpconfig.Write(path, o.mcpEndpointURL, nil); err != nil {
			return fmt.Errorf("orchestrator: write mcp config: %w", err)
		}
		req.MCPConfigPath = path
	}

	command, env, err := adapter.BuildCommand(req)
	if err != nil {
		return fmt.Errorf("orchestrator: build command: %w", err)
	}

	command, portEnv, err := portutil.TransformCommand(command)
	if err != nil {
		return fmt.Errorf("orchestrator: allocate command ports: %w", err)
	}
	for k, v := range portEnv {
		if env == nil {
			env = make(map[string]string, len(portEnv))
		}
		env[k] = v
	}

	handle, err := o.runner.Spawn(ctx, procrunner.SpawnRequest{
		Command:    command,
		WorkingDir: wt.Path,
		Env:        env,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: spawn agent: %w", err)
	}

	proc := &store.ExecutionProcess{
		ID:        uuid.New().String(),
		AttemptID: attempt.ID,
		Kind:      store.ProcessAgent,
		Command:   command,
		Pid:       handle.Pid(),
	}
	if err := o.repo.CreateExecutionProcess(ctx, proc); err != nil {
		return err
	}

	session, err := adapter.Spawn(ctx, req, handle)
	if err != nil {
		return fmt.Errorf("orchestrator: adapter spawn: %w", err)
	}

	o.mu.Lock()
	o.sessions[attempt.ID] = session
	o.mu.Unlock()

	if err := o.repo.UpdateAttemptStatus(ctx, attempt.ID, store.AttemptAgentRunning); err != nil {
		return err
	}

	msgs := o.streams.GetOrCreate(attempt.ID)
	go o.pump(attempt.ID, proc.ID, handle, session, msgs)

	return nil
}

// pump drains a Session's normalized events into the Message Store until
// the underlying process exits, then finalizes the ExecutionProcess row and
// advances the TaskAttempt state machine.
func (o *Orchestrator) pump(attemptID store.TaskAttemptID, processID store.ExecutionProcessID, handle *procrunner.ProcessHandle, session executor.Session, msgs *streamhub.Store) {
	// pump outlives the request that spawned it, so it runs detached from
	// any request context: bounded only by PromptTimeout or the
	// orchestrator's own shutdown signal.
	ctx, cancel := appctx.Detached(context.Background(), o.stopCh, constants.PromptTimeout)
	defer cancel()

	for evt := range session.Events() {
		raw, err := json.Marshal(evt)
		if err != nil {
			o.log.Warn("marshal event", zap.Error(err))
			continue
		}
		msgs.PushPatch(raw)

		if evt.Kind == executor.EventSessionConfigured && evt.SessionID != "" {
			_ = o.repo.UpsertExecutorSession(ctx, &store.ExecutorSession{AttemptID: attemptID, NativeSessionID: evt.SessionID})
		}
	}
	msgs.PushFinished()

	_ = session.Wait(ctx)
	status, exitCode := handle.Status()
	code := 0
	if exitCode != nil {
		code = *exitCode
	}
	_ = o.repo.CompleteExecutionProcess(ctx, processID, code)

	o.mu.Lock()
	delete(o.sessions, attemptID)
	o.mu.Unlock()

	attempt, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return
	}
	if attempt.Status == store.AttemptKilled || attempt.Status == store.AttemptArchived {
		return
	}
	switch status {
	case procrunner.StatusKilled:
		_ = o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptKilled)
	case procrunner.StatusFailed:
		_ = o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptFailed)
	default:
		_ = o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptAgentExited)
	}
}

func (o *Orchestrator) runSetup(ctx context.Context, attemptID store.TaskAttemptID, wt *worktree.Worktree, script string) error {
	handle, err := o.worktrees.RunSetup(ctx, o.runner, wt, script)
	if err != nil {
		return fmt.Errorf("orchestrator: run setup: %w", err)
	}
	if handle == nil {
		return nil
	}
	proc := &store.ExecutionProcess{ID: uuid.New().String(), AttemptID: attemptID, Kind: store.ProcessSetup, Command: script, Pid: handle.Pid()}
	if err := o.repo.CreateExecutionProcess(ctx, proc); err != nil {
		return err
	}
	waitErr := handle.Wait(ctx)
	status, exitCode := handle.Status()
	code := 0
	if exitCode != nil {
		code = *exitCode
	}
	_ = o.repo.CompleteExecutionProcess(ctx, proc.ID, code)
	if waitErr != nil || status != procrunner.StatusExited || code != 0 {
		return fmt.Errorf("orchestrator: setup script exited %d: %v", code, waitErr)
	}
	return nil
}

// Kill terminates a running attempt's agent process and transitions it to
// Killed. A no-op if nothing is running.
func (o *Orchestrator) Kill(ctx context.Context, attemptID store.TaskAttemptID) error {
	o.mu.Lock()
	session, ok := o.sessions[attemptID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if err := session.Kill(ctx); err != nil {
		return fmt.Errorf("orchestrator: kill: %w", err)
	}
	return o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptKilled)
}

// OpenPR pushes the attempt's branch and opens a pull/merge request against
// its task's base branch, recording the result on the TaskAttempt.
func (o *Orchestrator) OpenPR(ctx context.Context, attemptID store.TaskAttemptID, title, body string) error {
	attempt, wt, task, project, err := o.prepare(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != store.AttemptAgentExited {
		return fmt.Errorf("%w: attempt %s is %s, not agent_exited", ErrInvalidTransition, attemptID, attempt.Status)
	}

	if err := o.worktrees.Push(ctx, wt, "origin"); err != nil {
		return fmt.Errorf("orchestrator: push branch: %w", err)
	}

	repoInfo := vcs.RepoInfo{Provider: vcs.RepoProvider(project.Repo.Provider), Host: project.Repo.Host, Owner: project.Repo.Owner, Name: project.Repo.Name}
	token := ""
	if o.ResolveToken != nil {
		token = o.ResolveToken(project.Repo)
	}
	provider, err := vcs.Resolve(repoInfo, vcs.Config{Token: token})
	if err != nil {
		return fmt.Errorf("orchestrator: resolve vcs provider: %w", err)
	}

	pr, err := provider.CreatePR(ctx, repoInfo, wt.Branch, task.BaseBranch, title, body)
	if err != nil {
		return fmt.Errorf("orchestrator: create pr: %w", err)
	}
	if err := o.repo.SetAttemptPullRequest(ctx, attemptID, pr.URL, pr.Number); err != nil {
		return err
	}
	if task.Status == store.TaskInProgress {
		if err := o.repo.UpdateTaskStatus(ctx, task.ID, store.TaskInReview); err != nil {
			return err
		}
	}
	return nil
}

// CancelTask marks task Cancelled from any status, for a user abandoning it
// outright rather than letting an attempt run to PR/merge.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID store.TaskID) error {
	return o.repo.UpdateTaskStatus(ctx, taskID, store.TaskCancelled)
}

// Archive kills any running process, removes the worktree, and marks the
// attempt Archived. Valid from any non-archived status.
func (o *Orchestrator) Archive(ctx context.Context, attemptID store.TaskAttemptID) error {
	ctx, cancel := context.WithTimeout(ctx, constants.TaskDeleteTimeout)
	defer cancel()

	attempt, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status == store.AttemptArchived {
		return nil
	}
	if err := o.Kill(ctx, attemptID); err != nil {
		o.log.Warn("archive: kill before archive failed", zap.String("attempt_id", attemptID), zap.Error(err))
	}
	if wt, ok := o.worktrees.Get(attemptID); ok {
		if task, err := o.repo.GetTask(ctx, attempt.TaskID); err == nil {
			if project, err := o.repo.GetProject(ctx, task.ProjectID); err == nil && project.CleanupScript != "" {
				cleanupCtx, cancel := context.WithTimeout(ctx, constants.CleanupScriptTimeout)
				if handle, err := o.worktrees.RunCleanup(cleanupCtx, o.runner, wt, project.CleanupScript); err != nil {
					o.log.Warn("archive: cleanup script failed to start", zap.String("attempt_id", attemptID), zap.Error(err))
				} else if handle != nil {
					if err := handle.Wait(cleanupCtx); err != nil {
						o.log.Warn("archive: cleanup script failed", zap.String("attempt_id", attemptID), zap.Error(err))
					}
				}
				cancel()
			}
		}
		if err := o.worktrees.Archive(ctx, wt); err != nil {
			return fmt.Errorf("orchestrator: archive worktree: %w", err)
		}
	}
	return o.repo.UpdateAttemptStatus(ctx, attemptID, store.AttemptArchived)
}

// prepare loads an attempt's full context and ensures its worktree exists.
func (o *Orchestrator) prepare(ctx context.Context, attemptID store.TaskAttemptID) (*store.TaskAttempt, *worktree.Worktree, *store.Task, *store.Project, error) {
	attempt, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	task, err := o.repo.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	project, err := o.repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	wt, err := o.worktrees.EnsureWorktree(ctx, attempt.ID, task.ID, project.GitRepoPath, task.BaseBranch, attempt.WorktreePath, attempt.BranchName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("orchestrator: ensure worktree: %w", err)
	}
	return attempt, wt, task, project, nil
}
