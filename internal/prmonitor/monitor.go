// Package prmonitor implements the PR Monitor: a single long-lived ticker
// poller that watches every open TaskAttempt's pull/merge request for a
// merge or close, independent of whichever provider it was opened against.
package prmonitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/store"
	"github.com/taskctl/taskctl/internal/vcs"
)

// DefaultPollInterval is used when the caller configures a non-positive one.
const DefaultPollInterval = 60 * time.Second

// TokenSource resolves a VCS credential for repo, mirroring
// internal/orchestrator.Orchestrator.ResolveToken so both components share
// one credential-lookup convention.
type TokenSource func(repo store.RepoInfo) string

// Monitor polls every open TaskAttempt with a recorded PR for a merge or
// close, tolerant of per-attempt provider errors so one bad repo never
// stalls the rest of the sweep.
type Monitor struct {
	repo         store.Repository
	resolveToken TokenSource
	interval     time.Duration
	log          *logger.Logger

	// resolveProvider defaults to vcs.Resolve; swapped out in tests for a
	// fake Provider so the sweep never makes a real network call.
	resolveProvider func(repo vcs.RepoInfo, cfg vcs.Config) (vcs.Provider, error)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Monitor. interval <= 0 uses DefaultPollInterval.
func New(repo store.Repository, resolveToken TokenSource, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		repo:            repo,
		resolveToken:    resolveToken,
		interval:        interval,
		log:             log.WithFields(zap.String("component", "pr-monitor")),
		resolveProvider: vcs.Resolve,
	}
}

// Start begins the background polling loop. Calling Start more than once
// without Stop is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)

	m.log.Info("PR monitor started", zap.Duration("interval", m.interval))
}

// Stop cancels the polling loop and waits for it to finish.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.started = false
	m.log.Info("PR monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	// Run an initial sweep immediately so open PRs are evaluated on startup
	// rather than waiting a full interval.
	m.sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	attempts, err := m.repo.ListOpenAttempts(ctx)
	if err != nil {
		m.log.Error("list open attempts", zap.Error(err))
		return
	}
	for _, a := range attempts {
		if a.Status != store.AttemptPrOpen || a.PrNumber == nil {
			continue
		}
		m.checkAttempt(ctx, a)
	}
}

func (m *Monitor) checkAttempt(ctx context.Context, attempt *store.TaskAttempt) {
	task, err := m.repo.GetTask(ctx, attempt.TaskID)
	if err != nil {
		m.log.Debug("load task for PR check", zap.String("attempt_id", attempt.ID), zap.Error(err))
		return
	}
	project, err := m.repo.GetProject(ctx, task.ProjectID)
	if err != nil {
		m.log.Debug("load project for PR check", zap.String("attempt_id", attempt.ID), zap.Error(err))
		return
	}

	repoInfo := vcs.RepoInfo{Provider: vcs.RepoProvider(project.Repo.Provider), Host: project.Repo.Host, Owner: project.Repo.Owner, Name: project.Repo.Name}
	token := ""
	if m.resolveToken != nil {
		token = m.resolveToken(project.Repo)
	}
	provider, err := m.resolveProvider(repoInfo, vcs.Config{Token: token})
	if err != nil {
		if err != vcs.ErrNotImplemented {
			m.log.Debug("resolve vcs provider", zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
		return
	}

	pr, err := provider.GetPRStatus(ctx, repoInfo, *attempt.PrNumber)
	if err != nil {
		m.log.Debug("get pr status", zap.String("attempt_id", attempt.ID), zap.Int("pr_number", *attempt.PrNumber), zap.Error(err))
		return
	}

	switch pr.Status {
	case vcs.PRStatusMerged:
		sha := pr.HeadSHA
		if err := m.repo.UpdateAttemptMerged(ctx, attempt.ID, sha); err != nil {
			m.log.Error("record merged attempt", zap.String("attempt_id", attempt.ID), zap.Error(err))
			return
		}
		if err := m.repo.UpdateTaskStatus(ctx, task.ID, store.TaskDone); err != nil {
			m.log.Error("advance task to done", zap.String("task_id", task.ID), zap.Error(err))
		}
		m.log.Info("pull request merged", zap.String("attempt_id", attempt.ID), zap.Int("pr_number", *attempt.PrNumber))
	case vcs.PRStatusClosed:
		if err := m.repo.UpdateAttemptStatus(ctx, attempt.ID, store.AttemptClosed); err != nil {
			m.log.Error("record closed attempt", zap.String("attempt_id", attempt.ID), zap.Error(err))
			return
		}
		m.log.Info("pull request closed without merge", zap.String("attempt_id", attempt.ID), zap.Int("pr_number", *attempt.PrNumber))
	}
}
