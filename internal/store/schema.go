package store

// schema is dialect-agnostic DDL applied unchanged to both the SQLite and
// the Postgres backing; repo_info is a TEXT column holding JSON on both
// (sqlx.Rebind handles the placeholder-style difference).
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	git_repo_path  TEXT NOT NULL,
	repo_info      TEXT NOT NULL DEFAULT '{}',
	setup_script   TEXT NOT NULL DEFAULT '',
	dev_script     TEXT NOT NULL DEFAULT '',
	cleanup_script TEXT NOT NULL DEFAULT '',
	copy_files     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL REFERENCES projects(id),
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	base_branch         TEXT NOT NULL DEFAULT 'main',
	status              TEXT NOT NULL DEFAULT 'todo',
	parent_task_attempt TEXT,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_attempts (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id),
	executor_kind TEXT NOT NULL,
	profile_id    TEXT NOT NULL DEFAULT '',
	worktree_path TEXT NOT NULL DEFAULT '',
	branch_name   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	pr_url            TEXT,
	pr_number         INTEGER,
	merge_commit_sha  TEXT,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_processes (
	id           TEXT PRIMARY KEY,
	attempt_id   TEXT NOT NULL REFERENCES task_attempts(id),
	kind         TEXT NOT NULL,
	command      TEXT NOT NULL,
	pid          INTEGER NOT NULL DEFAULT 0,
	exit_code    INTEGER,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS executor_sessions (
	attempt_id        TEXT PRIMARY KEY REFERENCES task_attempts(id),
	native_session_id TEXT NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
`
