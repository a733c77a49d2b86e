package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskctl/taskctl/internal/common/logger"
)

// SQLRepository implements Repository over a *sqlx.DB. It is dialect
// agnostic: constructors pass the driver name ("sqlite3" or "pgx") so query
// placeholders get rebound via sqlx.Rebind.
type SQLRepository struct {
	db      *sqlx.DB
	binder  int
	log     *logger.Logger
	mu      sync.Mutex
	hooks   []func(TaskAttempt)
}

// NewSQLiteRepository opens (or reuses) a SQLite-backed Repository and
// applies the schema.
func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	raw, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	return newSQLRepository(raw, "sqlite3")
}

// NewPostgresRepository opens a Postgres-backed Repository and applies the
// schema.
func NewPostgresRepository(dsn string, maxConns, minConns int) (*SQLRepository, error) {
	raw, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	return newSQLRepository(raw, "pgx")
}

func newSQLRepository(raw *sql.DB, driverName string) (*SQLRepository, error) {
	db := sqlx.NewDb(raw, driverName)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLRepository{
		db:     db,
		binder: sqlx.BindType(driverName),
		log:    logger.Default().WithFields(),
	}, nil
}

func (r *SQLRepository) rebind(query string) string {
	return sqlx.Rebind(r.binder, query)
}

func (r *SQLRepository) Close() error { return r.db.Close() }

func (r *SQLRepository) CreateProject(ctx context.Context, p *Project) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO projects (id, name, git_repo_path, repo_info, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.GitRepoPath, p.Repo, p.SetupScript, p.DevScript, p.CleanupScript, p.CopyFiles, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *SQLRepository) GetProject(ctx context.Context, id ProjectID) (*Project, error) {
	var p Project
	err := r.db.GetContext(ctx, &p, r.rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *SQLRepository) ListProjects(ctx context.Context) ([]*Project, error) {
	var ps []*Project
	err := r.db.SelectContext(ctx, &ps, `SELECT * FROM projects ORDER BY created_at`)
	return ps, err
}

func (r *SQLRepository) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = TaskTodo
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO tasks (id, project_id, title, description, base_branch, status, parent_task_attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ProjectID, t.Title, t.Description, t.BaseBranch, t.Status, t.ParentTaskAttemptID, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *SQLRepository) GetTask(ctx context.Context, id TaskID) (*Task, error) {
	var t Task
	err := r.db.GetContext(ctx, &t, r.rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *SQLRepository) ListTasksByProject(ctx context.Context, projectID ProjectID) ([]*Task, error) {
	var ts []*Task
	err := r.db.SelectContext(ctx, &ts, r.rebind(`SELECT * FROM tasks WHERE project_id = ? ORDER BY created_at`), projectID)
	return ts, err
}

// UpdateTaskStatus performs the Task state-machine transition and stamps
// updated_at, mirroring UpdateAttemptStatus's write shape for the owning
// Task row.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, id TaskID, status TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`),
		status, now, id)
	return err
}

func (r *SQLRepository) CreateAttempt(ctx context.Context, a *TaskAttempt) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = AttemptCreated
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO task_attempts
			(id, task_id, executor_kind, profile_id, worktree_path, branch_name, status, pr_url, pr_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.TaskID, a.ExecutorKind, a.ProfileID, a.WorktreePath, a.BranchName,
		a.Status, a.PrURL, a.PrNumber, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *SQLRepository) GetAttempt(ctx context.Context, id TaskAttemptID) (*TaskAttempt, error) {
	var a TaskAttempt
	err := r.db.GetContext(ctx, &a, r.rebind(`SELECT * FROM task_attempts WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *SQLRepository) ListAttemptsByTask(ctx context.Context, taskID TaskID) ([]*TaskAttempt, error) {
	var as []*TaskAttempt
	err := r.db.SelectContext(ctx, &as, r.rebind(`SELECT * FROM task_attempts WHERE task_id = ? ORDER BY created_at`), taskID)
	return as, err
}

func (r *SQLRepository) ListOpenAttempts(ctx context.Context) ([]*TaskAttempt, error) {
	var as []*TaskAttempt
	err := r.db.SelectContext(ctx, &as, r.rebind(`
		SELECT * FROM task_attempts WHERE status NOT IN (?, ?, ?) ORDER BY created_at`),
		AttemptMerged, AttemptClosed, AttemptArchived)
	return as, err
}

// UpdateAttemptStatus performs the status transition and synchronously
// invokes every registered Event Service hook with the post-update row,
// matching the teacher's after-update callback pattern for the DB hook.
func (r *SQLRepository) UpdateAttemptStatus(ctx context.Context, id TaskAttemptID, status AttemptStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE task_attempts SET status = ?, updated_at = ? WHERE id = ?`),
		status, now, id); err != nil {
		return err
	}

	a, err := r.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	for _, fn := range r.hooks {
		fn(*a)
	}
	return nil
}

// UpdateAttemptMerged transitions an attempt to Merged and records the
// commit sha the PR Monitor observed it landed as, in one write.
func (r *SQLRepository) UpdateAttemptMerged(ctx context.Context, id TaskAttemptID, mergeCommitSHA string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE task_attempts SET status = ?, merge_commit_sha = ?, updated_at = ? WHERE id = ?`),
		AttemptMerged, mergeCommitSHA, now, id); err != nil {
		return err
	}
	a, err := r.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	for _, fn := range r.hooks {
		fn(*a)
	}
	return nil
}

func (r *SQLRepository) SetAttemptPullRequest(ctx context.Context, id TaskAttemptID, prURL string, prNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE task_attempts SET pr_url = ?, pr_number = ?, status = ?, updated_at = ? WHERE id = ?`),
		prURL, prNumber, AttemptPrOpen, now, id); err != nil {
		return err
	}
	a, err := r.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	for _, fn := range r.hooks {
		fn(*a)
	}
	return nil
}

func (r *SQLRepository) CreateExecutionProcess(ctx context.Context, p *ExecutionProcess) error {
	p.StartedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO execution_processes (id, attempt_id, kind, command, pid, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.AttemptID, p.Kind, p.Command, p.Pid, p.StartedAt)
	return err
}

func (r *SQLRepository) CompleteExecutionProcess(ctx context.Context, id ExecutionProcessID, exitCode int) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE execution_processes SET exit_code = ?, completed_at = ? WHERE id = ?`),
		exitCode, now, id)
	return err
}

func (r *SQLRepository) GetRunningProcess(ctx context.Context, attemptID TaskAttemptID) (*ExecutionProcess, error) {
	var p ExecutionProcess
	err := r.db.GetContext(ctx, &p, r.rebind(`
		SELECT * FROM execution_processes
		WHERE attempt_id = ? AND completed_at IS NULL
		ORDER BY started_at DESC LIMIT 1`), attemptID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *SQLRepository) UpsertExecutorSession(ctx context.Context, s *ExecutorSession) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO executor_sessions (attempt_id, native_session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET native_session_id = excluded.native_session_id, updated_at = excluded.updated_at`),
		s.AttemptID, s.NativeSessionID, s.UpdatedAt)
	return err
}

func (r *SQLRepository) GetExecutorSession(ctx context.Context, attemptID TaskAttemptID) (*ExecutorSession, error) {
	var s ExecutorSession
	err := r.db.GetContext(ctx, &s, r.rebind(`SELECT * FROM executor_sessions WHERE attempt_id = ?`), attemptID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *SQLRepository) OnAttemptUpdated(fn func(TaskAttempt)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}
