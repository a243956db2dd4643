package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobConfig is the pipeline configuration carried by a cron job.
type JobConfig struct {
	CollectHome    bool     `json:"collect_home"`
	ProfileHandles []string `json:"profile_handles,omitempty"`
	SearchQueries  []string `json:"search_queries,omitempty"`
	MaxPosts       int      `json:"max_posts,omitempty"`
	GenerateDrafts bool     `json:"generate_drafts"`
}

// CreateCronJob inserts a new schedule for an account.
func (s *Store) CreateCronJob(name string, accountID int64, cronExpr, timezone string, cfg JobConfig) (*CronJob, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO cron_jobs (name, account_id, cron_expr, timezone, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`, name, accountID, cronExpr, timezone, string(doc), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create cron job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetCronJob(id)
}

// UpdateCronJob rewrites a job's schedule and config.
func (s *Store) UpdateCronJob(id int64, cronExpr, timezone string, cfg JobConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	// The expression changed, so the cached next fire time is stale.
	res, err := s.db.Exec(`
		UPDATE cron_jobs
		SET cron_expr = ?, timezone = ?, config = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ?
	`, cronExpr, timezone, string(doc), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCronJobEnabled toggles a job. Disabling clears next_run_at;
// re-enabling leaves it NULL for the scheduler to backfill.
func (s *Store) SetCronJobEnabled(id int64, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET enabled = ?, next_run_at = NULL, updated_at = ? WHERE id = ?
	`, enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCronJob removes a job and its run history.
func (s *Store) DeleteCronJob(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM cron_job_runs WHERE job_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetCronJob fetches one job by id.
func (s *Store) GetCronJob(id int64) (*CronJob, error) {
	row := s.db.QueryRow(cronJobSelect+` WHERE id = ?`, id)
	return scanCronJob(row)
}

// DecodeConfig parses the job's pipeline configuration.
func (j *CronJob) DecodeConfig() (JobConfig, error) {
	var cfg JobConfig
	if err := json.Unmarshal([]byte(j.Config), &cfg); err != nil {
		return JobConfig{}, fmt.Errorf("corrupt config for cron job %d: %w", j.ID, err)
	}
	return cfg, nil
}

// ListCronJobs returns all jobs.
func (s *Store) ListCronJobs() ([]CronJob, error) {
	rows, err := s.db.Query(cronJobSelect + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

// ListDueJobs returns enabled jobs whose next_run_at is at or before now.
func (s *Store) ListDueJobs(now time.Time) ([]CronJob, error) {
	rows, err := s.db.Query(cronJobSelect+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

// ListJobsMissingNextRun returns enabled jobs with no computed fire time.
func (s *Store) ListJobsMissingNextRun() ([]CronJob, error) {
	rows, err := s.db.Query(cronJobSelect + ` WHERE enabled = 1 AND next_run_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

const cronJobSelect = `
	SELECT id, name, account_id, cron_expr, timezone, enabled, config,
		next_run_at, last_run_at, last_status, created_at, updated_at
	FROM cron_jobs`

func scanCronJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var next, last sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.AccountID, &j.CronExpr, &j.Timezone, &j.Enabled,
		&j.Config, &next, &last, &j.LastStatus, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if next.Valid {
		t := next.Time
		j.NextRunAt = &t
	}
	if last.Valid {
		t := last.Time
		j.LastRunAt = &t
	}
	return &j, nil
}

func scanCronJobs(rows *sql.Rows) ([]CronJob, error) {
	var jobs []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// SetJobNextRun persists the job's next computed fire time.
func (s *Store) SetJobNextRun(id int64, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE cron_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?
	`, next.UTC(), time.Now().UTC(), id)
	return err
}

// RecordJobResult stamps the job with its latest outcome.
func (s *Store) RecordJobResult(id int64, status string) error {
	_, err := s.db.Exec(`
		UPDATE cron_jobs SET last_run_at = ?, last_status = ?, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), status, time.Now().UTC(), id)
	return err
}

// JobHasActiveRun reports whether an unfinished job-run row exists,
// the per-job single-flight check.
func (s *Store) JobHasActiveRun(jobID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM cron_job_runs WHERE job_id = ? AND status = ?)
	`, jobID, JobRunStatusRunning).Scan(&exists)
	return exists, err
}

// CreateCronJobRun appends a running execution log entry.
func (s *Store) CreateCronJobRun(jobID int64) (*CronJobRun, error) {
	run := &CronJobRun{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    JobRunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO cron_job_runs (id, job_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.JobID, run.Status, run.StartedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishCronJobRun marks an execution log entry terminal.
func (s *Store) FinishCronJobRun(id, status, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE cron_job_runs SET status = ?, error = ?, ended_at = ? WHERE id = ?
	`, status, errMsg, time.Now().UTC(), id)
	return err
}

// ListStaleJobRuns returns running job-runs started before the cutoff.
func (s *Store) ListStaleJobRuns(olderThan time.Duration) ([]CronJobRun, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(`
		SELECT id, job_id, status, error, started_at, ended_at
		FROM cron_job_runs
		WHERE status = ? AND started_at < ?
	`, JobRunStatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CronJobRun
	for rows.Next() {
		var r CronJobRun
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.Error, &r.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListCronJobRuns returns a job's execution log, newest first.
func (s *Store) ListCronJobRuns(jobID int64, limit int) ([]CronJobRun, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, status, error, started_at, ended_at
		FROM cron_job_runs
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CronJobRun
	for rows.Next() {
		var r CronJobRun
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.Error, &r.StartedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
