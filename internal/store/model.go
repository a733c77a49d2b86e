// Package store defines the persistent data model for taskctl and the
// Repository interface used by the Execution Orchestrator, Worktree
// Manager, and PR Monitor to read and write it.
package store

import (
	"encoding/json"
	"time"
)

// ProjectID, TaskID, TaskAttemptID, and ExecutionProcessID are opaque
// identifiers, normally generated with github.com/google/uuid.
type (
	ProjectID          = string
	TaskID             = string
	TaskAttemptID      = string
	ExecutionProcessID = string
)

// Project is a tracked git repository that tasks are executed against.
type Project struct {
	ID            ProjectID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	GitRepoPath   string    `db:"git_repo_path" json:"git_repo_path"`
	Repo          RepoInfo  `db:"repo_info" json:"repo_info"`
	SetupScript   string    `db:"setup_script" json:"setup_script,omitempty"`
	DevScript     string    `db:"dev_script" json:"dev_script,omitempty"`
	CleanupScript string    `db:"cleanup_script" json:"cleanup_script,omitempty"`
	CopyFiles     string    `db:"copy_files" json:"copy_files,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TaskStatus enumerates the Task state machine (spec §3): Todo -> InProgress
// on first attempt, InProgress -> InReview once a PR is opened, InReview ->
// Done on merge (or manual close), and any -> Cancelled.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work scoped to a Project, carrying a human description
// of what a coding agent should accomplish.
type Task struct {
	ID                  TaskID         `db:"id" json:"id"`
	ProjectID           ProjectID      `db:"project_id" json:"project_id"`
	Title               string         `db:"title" json:"title"`
	Description         string         `db:"description" json:"description"`
	BaseBranch          string         `db:"base_branch" json:"base_branch"`
	Status              TaskStatus     `db:"status" json:"status"`
	ParentTaskAttemptID *TaskAttemptID `db:"parent_task_attempt" json:"parent_task_attempt,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// AttemptStatus enumerates the Execution Orchestrator's TaskAttempt state
// machine (spec §4.E): Created -> SetupRunning -> AgentRunning -> AgentExited
// -> PrOpen -> (Merged | Closed), with Any -> Archived as a terminal escape.
type AttemptStatus string

const (
	AttemptCreated      AttemptStatus = "created"
	AttemptSetupRunning AttemptStatus = "setup_running"
	AttemptAgentRunning AttemptStatus = "agent_running"
	AttemptAgentExited  AttemptStatus = "agent_exited"
	AttemptFailed       AttemptStatus = "failed"
	AttemptKilled       AttemptStatus = "killed"
	AttemptPrOpen       AttemptStatus = "pr_open"
	AttemptMerged       AttemptStatus = "merged"
	AttemptClosed       AttemptStatus = "closed"
	AttemptArchived     AttemptStatus = "archived"
)

// TaskAttempt is one executor-driven attempt at completing a Task, bound to
// a single worktree and (at most) one running ExecutionProcess at a time.
type TaskAttempt struct {
	ID             TaskAttemptID `db:"id" json:"id"`
	TaskID         TaskID        `db:"task_id" json:"task_id"`
	ExecutorKind   string        `db:"executor_kind" json:"executor_kind"`
	ProfileID      string        `db:"profile_id" json:"profile_id"`
	WorktreePath   string        `db:"worktree_path" json:"worktree_path"`
	BranchName     string        `db:"branch_name" json:"branch_name"`
	Status         AttemptStatus `db:"status" json:"status"`
	PrURL          *string       `db:"pr_url" json:"pr_url,omitempty"`
	PrNumber       *int          `db:"pr_number" json:"pr_number,omitempty"`
	MergeCommitSHA *string       `db:"merge_commit_sha" json:"merge_commit_sha,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// ProcessKind distinguishes a setup script run from the actual agent process.
type ProcessKind string

const (
	ProcessSetup ProcessKind = "setup"
	ProcessAgent ProcessKind = "agent"
)

// ExecutionProcess is a single spawned OS process (setup script or agent
// binary) belonging to a TaskAttempt, tracked by the Command Runner.
type ExecutionProcess struct {
	ID          ExecutionProcessID `db:"id" json:"id"`
	AttemptID   TaskAttemptID      `db:"attempt_id" json:"attempt_id"`
	Kind        ProcessKind        `db:"kind" json:"kind"`
	Command     string             `db:"command" json:"command"`
	Pid         int                `db:"pid" json:"pid"`
	ExitCode    *int               `db:"exit_code" json:"exit_code,omitempty"`
	StartedAt   time.Time          `db:"started_at" json:"started_at"`
	CompletedAt *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
}

// ExecutorSession binds an ExecutionProcess's agent-native session id (as
// understood by the executor's own protocol, e.g. Claude Code's session
// resume token) to a TaskAttempt, so follow_up can resume the same
// conversation instead of starting over.
type ExecutorSession struct {
	AttemptID       TaskAttemptID `db:"attempt_id" json:"attempt_id"`
	NativeSessionID string        `db:"native_session_id" json:"native_session_id"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// RepoProvider is the sum-type discriminator for RepoInfo.
type RepoProvider string

const (
	ProviderGitHub     RepoProvider = "github"
	ProviderGitLab     RepoProvider = "gitlab"
	ProviderBitbucket  RepoProvider = "bitbucket"
	ProviderAzureDevOp RepoProvider = "azure_devops"
	ProviderForgejo    RepoProvider = "forgejo"
	ProviderOther      RepoProvider = "other"
	ProviderUnknown    RepoProvider = "unknown"
)

// RepoInfo is the unified, provider-tagged remote-repository identity
// parsed from a git remote URL (spec §3, Open Question 4).
type RepoInfo struct {
	Provider RepoProvider `json:"provider"`
	Host     string       `json:"host"`
	Owner    string       `json:"owner"`
	Name     string       `json:"name"`
}

// Value implements driver.Valuer so RepoInfo can be stored as a JSON column.
func (r RepoInfo) Value() (any, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner so RepoInfo can be read back from a JSON column.
func (r *RepoInfo) Scan(src any) error {
	if src == nil {
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, r)
}
