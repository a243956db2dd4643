package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateScrapeRun opens a new run in status running.
func (s *Store) CreateScrapeRun(platform, trigger string) (*ScrapeRun, error) {
	run := &ScrapeRun{
		ID:        uuid.NewString(),
		Platform:  platform,
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO scrape_runs (id, platform, trigger_kind, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Platform, run.Trigger, run.Status, run.StartedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishScrapeRun marks a run terminal with aggregate notes.
func (s *Store) FinishScrapeRun(runID, status, notes string) error {
	_, err := s.db.Exec(`
		UPDATE scrape_runs SET status = ?, notes = ?, ended_at = ? WHERE id = ?
	`, status, notes, time.Now().UTC(), runID)
	return err
}

// GetScrapeRun fetches one run by id.
func (s *Store) GetScrapeRun(id string) (*ScrapeRun, error) {
	var run ScrapeRun
	var ended sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, platform, trigger_kind, status, notes, started_at, ended_at
		FROM scrape_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Platform, &run.Trigger, &run.Status, &run.Notes, &run.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	return &run, nil
}

// CreateRunAccount opens one account's participation in a run. Unique
// per (run, account); a duplicate-key create falls back to returning
// the existing row.
func (s *Store) CreateRunAccount(runID string, accountID int64) (*RunAccount, error) {
	ra := &RunAccount{
		ID:        uuid.NewString(),
		RunID:     runID,
		AccountID: accountID,
		Status:    RunAccountStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO run_accounts (id, run_id, account_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, account_id) DO NOTHING
	`, ra.ID, ra.RunID, ra.AccountID, ra.Status, ra.StartedAt)
	if err != nil {
		return nil, err
	}
	// Re-read: the insert may have been a no-op on conflict.
	return s.getRunAccountByKey(runID, accountID)
}

// GetRunAccount fetches one run-account by id.
func (s *Store) GetRunAccount(id string) (*RunAccount, error) {
	row := s.db.QueryRow(runAccountSelect+` WHERE id = ?`, id)
	return scanRunAccount(row)
}

func (s *Store) getRunAccountByKey(runID string, accountID int64) (*RunAccount, error) {
	row := s.db.QueryRow(runAccountSelect+` WHERE run_id = ? AND account_id = ?`, runID, accountID)
	return scanRunAccount(row)
}

const runAccountSelect = `
	SELECT id, run_id, account_id, status, posts_found, comments_found,
		snapshots_written, error_code, error_detail, started_at, ended_at
	FROM run_accounts`

func scanRunAccount(row rowScanner) (*RunAccount, error) {
	var ra RunAccount
	var ended sql.NullTime
	err := row.Scan(&ra.ID, &ra.RunID, &ra.AccountID, &ra.Status, &ra.PostsFound,
		&ra.CommentsFound, &ra.SnapshotsWritten, &ra.ErrorCode, &ra.ErrorDetail,
		&ra.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		ra.EndedAt = &t
	}
	return &ra, nil
}

// FinishRunAccount marks a run-account terminal with counts and error.
func (s *Store) FinishRunAccount(id, status string, posts, comments, snapshots int, errCode, errDetail string) error {
	_, err := s.db.Exec(`
		UPDATE run_accounts
		SET status = ?, posts_found = ?, comments_found = ?, snapshots_written = ?,
			error_code = ?, error_detail = ?, ended_at = ?
		WHERE id = ?
	`, status, posts, comments, snapshots, errCode, errDetail, time.Now().UTC(), id)
	return err
}

// RecoverStaleRuns marks scrape runs and run-accounts stuck in running
// past the lock timeout as failed. Compensates for process crashes,
// which leak rows instead of locks. Returns how many rows were swept.
func (s *Store) RecoverStaleRuns(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.Exec(`
		UPDATE run_accounts
		SET status = ?, error_code = ?, error_detail = 'recovered: stuck in running state', ended_at = ?
		WHERE status = ? AND started_at < ?
	`, RunAccountStatusFailed, "RUN_LOCK_RECOVERED", time.Now().UTC(), RunAccountStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	swept, _ := res.RowsAffected()

	res, err = s.db.Exec(`
		UPDATE scrape_runs
		SET status = ?, notes = 'recovered: stuck in running state', ended_at = ?
		WHERE status = ? AND started_at < ?
	`, RunStatusFailed, time.Now().UTC(), RunStatusRunning, cutoff)
	if err != nil {
		return swept, err
	}
	n, _ := res.RowsAffected()
	return swept + n, nil
}

// ListRunAccounts returns all run-accounts of a run.
func (s *Store) ListRunAccounts(runID string) ([]RunAccount, error) {
	rows, err := s.db.Query(runAccountSelect+` WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ras []RunAccount
	for rows.Next() {
		ra, err := scanRunAccount(rows)
		if err != nil {
			return nil, err
		}
		ras = append(ras, *ra)
	}
	return ras, rows.Err()
}
