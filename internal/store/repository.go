package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// Repository is the persistence interface consumed by the Execution
// Orchestrator, Worktree Manager, and PR Monitor. Both the sqlite and
// postgres backings implement it identically via SQLRepository — only the
// *sql.DB/dialect underneath differs.
type Repository interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id ProjectID) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	ListTasksByProject(ctx context.Context, projectID ProjectID) ([]*Task, error)
	// UpdateTaskStatus performs the Task state-machine transition (spec §3):
	// Todo -> InProgress -> InReview -> Done, any -> Cancelled.
	UpdateTaskStatus(ctx context.Context, id TaskID, status TaskStatus) error

	CreateAttempt(ctx context.Context, a *TaskAttempt) error
	GetAttempt(ctx context.Context, id TaskAttemptID) (*TaskAttempt, error)
	ListAttemptsByTask(ctx context.Context, taskID TaskID) ([]*TaskAttempt, error)
	// ListOpenAttempts returns attempts not yet in a terminal status, for the
	// PR Monitor to resolve VCS providers against on every poll tick.
	ListOpenAttempts(ctx context.Context) ([]*TaskAttempt, error)
	// UpdateAttemptStatus performs the TaskAttempt state-machine transition.
	// The Event Service hook (§4.G) fires as part of this call, inside the
	// same write lock, so every status change is reflected as exactly one
	// Message Store patch.
	UpdateAttemptStatus(ctx context.Context, id TaskAttemptID, status AttemptStatus) error
	SetAttemptPullRequest(ctx context.Context, id TaskAttemptID, prURL string, prNumber int) error
	// UpdateAttemptMerged records a PrOpen -> Merged transition observed by
	// the PR Monitor, along with the commit sha it landed as.
	UpdateAttemptMerged(ctx context.Context, id TaskAttemptID, mergeCommitSHA string) error

	CreateExecutionProcess(ctx context.Context, p *ExecutionProcess) error
	CompleteExecutionProcess(ctx context.Context, id ExecutionProcessID, exitCode int) error
	GetRunningProcess(ctx context.Context, attemptID TaskAttemptID) (*ExecutionProcess, error)

	UpsertExecutorSession(ctx context.Context, s *ExecutorSession) error
	GetExecutorSession(ctx context.Context, attemptID TaskAttemptID) (*ExecutorSession, error)

	// OnAttemptUpdated registers a callback invoked synchronously after every
	// successful TaskAttempt mutation — the Event Service hook point.
	OnAttemptUpdated(fn func(TaskAttempt))

	Close() error
}
