// Package store persists all pipeline state in SQLite. It is the only
// cross-process shared state: locks, due-job detection, and stale-run
// recovery are all expressed as reads and writes against it, so every
// "is this already running / already created" question is answered by a
// re-checkable query, never an in-memory assumption.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store handles all database operations.
type Store struct {
	db *sql.DB
}

// New creates a new Store with SQLite backend.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serializing on a single connection
	// keeps concurrent pipeline goroutines from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		handle TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'needs_initial_auth',
		cooldown_seconds INTEGER NOT NULL DEFAULT 60,
		session_blob TEXT NOT NULL DEFAULT '',
		last_error_code TEXT NOT NULL DEFAULT '',
		last_error_detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(platform, handle)
	);

	CREATE TABLE IF NOT EXISTS policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL UNIQUE REFERENCES accounts(id),
		doc TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		notes TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS run_accounts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES scrape_runs(id),
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		status TEXT NOT NULL DEFAULT 'running',
		posts_found INTEGER NOT NULL DEFAULT 0,
		comments_found INTEGER NOT NULL DEFAULT 0,
		snapshots_written INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		UNIQUE(run_id, account_id)
	);

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform TEXT NOT NULL,
		platform_post_id TEXT NOT NULL DEFAULT '',
		author_handle TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		body TEXT,
		media_urls TEXT NOT NULL DEFAULT '[]',
		url TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		published_at DATETIME,
		is_repost BOOLEAN NOT NULL DEFAULT 0,
		is_reply BOOLEAN NOT NULL DEFAULT 0,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_platform_key
		ON posts(platform, platform_post_id) WHERE platform_post_id != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_content_key
		ON posts(platform, author_handle, content_hash) WHERE platform_post_id = '';
	CREATE INDEX IF NOT EXISTS idx_posts_first_seen ON posts(platform, first_seen_at);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL REFERENCES posts(id),
		platform_comment_id TEXT NOT NULL DEFAULT '',
		parent_comment_id INTEGER REFERENCES comments(id),
		author_handle TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		published_at DATETIME,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_comments_platform_key
		ON comments(post_id, platform_comment_id) WHERE platform_comment_id != '';
	CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id);

	CREATE TABLE IF NOT EXISTS post_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL REFERENCES posts(id),
		likes INTEGER,
		replies INTEGER,
		reposts INTEGER,
		views INTEGER,
		captured_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_post_metrics_post ON post_metrics(post_id);

	CREATE TABLE IF NOT EXISTS post_triage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_account_id TEXT NOT NULL REFERENCES run_accounts(id),
		post_id INTEGER NOT NULL REFERENCES posts(id),
		score INTEGER NOT NULL,
		label TEXT NOT NULL,
		action TEXT NOT NULL,
		confidence REAL NOT NULL,
		reasons TEXT NOT NULL DEFAULT '[]',
		rank INTEGER,
		is_top BOOLEAN NOT NULL DEFAULT 0,
		selected_for_deep_scrape BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(run_account_id, post_id)
	);
	CREATE INDEX IF NOT EXISTS idx_post_triage_score ON post_triage(run_account_id, score DESC);

	CREATE TABLE IF NOT EXISTS deep_scrape_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_account_id TEXT NOT NULL REFERENCES run_accounts(id),
		post_id INTEGER NOT NULL REFERENCES posts(id),
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(run_account_id, post_id)
	);

	CREATE TABLE IF NOT EXISTS llm_drafts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_account_id TEXT NOT NULL REFERENCES run_accounts(id),
		post_id INTEGER NOT NULL REFERENCES posts(id),
		option_index INTEGER NOT NULL,
		body TEXT NOT NULL,
		tone TEXT NOT NULL DEFAULT '',
		length TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'generated',
		prompt_version TEXT NOT NULL DEFAULT '',
		policy_context TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE(run_account_id, post_id, option_index)
	);

	CREATE TABLE IF NOT EXISTS policy_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_account_id TEXT NOT NULL UNIQUE REFERENCES run_accounts(id),
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		policy TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cron_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		cron_expr TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		config TEXT NOT NULL DEFAULT '{}',
		next_run_at DATETIME,
		last_run_at DATETIME,
		last_status TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cron_job_runs (
		id TEXT PRIMARY KEY,
		job_id INTEGER NOT NULL REFERENCES cron_jobs(id),
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_cron_job_runs_job ON cron_job_runs(job_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}
