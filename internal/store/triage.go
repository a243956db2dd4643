package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TriageInput carries one LLM verdict into InsertTriage.
type TriageInput struct {
	RunAccountID string
	PostID       int64
	Score        int
	Label        string
	Action       string
	Confidence   float64
	Reasons      []string
}

// InsertTriage persists one triage verdict. Created once per
// (run-account, post); a re-run keeps the first verdict.
func (s *Store) InsertTriage(in TriageInput) error {
	reasonsJSON, _ := json.Marshal(in.Reasons)
	_, err := s.db.Exec(`
		INSERT INTO post_triage (run_account_id, post_id, score, label, action, confidence, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_account_id, post_id) DO NOTHING
	`, in.RunAccountID, in.PostID, in.Score, in.Label, in.Action, in.Confidence,
		string(reasonsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert triage: %w", err)
	}
	return nil
}

// HasTriage reports whether a verdict already exists for the pair.
func (s *Store) HasTriage(runAccountID string, postID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM post_triage WHERE run_account_id = ? AND post_id = ?)
	`, runAccountID, postID).Scan(&exists)
	return exists, err
}

// ListTriageByScore returns up to limit triage rows for a run-account,
// score descending. Ties break on post id ascending so rank assignment
// is deterministic across re-reads.
func (s *Store) ListTriageByScore(runAccountID string, limit int) ([]PostTriage, error) {
	rows, err := s.db.Query(`
		SELECT id, run_account_id, post_id, score, label, action, confidence, reasons,
			rank, is_top, selected_for_deep_scrape, created_at
		FROM post_triage
		WHERE run_account_id = ?
		ORDER BY score DESC, post_id ASC
		LIMIT ?
	`, runAccountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triages []PostTriage
	for rows.Next() {
		var t PostTriage
		var reasonsJSON string
		var rank sql.NullInt64
		err := rows.Scan(&t.ID, &t.RunAccountID, &t.PostID, &t.Score, &t.Label, &t.Action,
			&t.Confidence, &reasonsJSON, &rank, &t.IsTop, &t.SelectedForDeepScrape, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		if rank.Valid {
			v := int(rank.Int64)
			t.Rank = &v
		}
		json.Unmarshal([]byte(reasonsJSON), &t.Reasons)
		triages = append(triages, t)
	}
	return triages, rows.Err()
}

// SetTriageSelection mutates the selection flags of one triage row.
func (s *Store) SetTriageSelection(id int64, rank int, isTop, selected bool) error {
	_, err := s.db.Exec(`
		UPDATE post_triage SET rank = ?, is_top = ?, selected_for_deep_scrape = ? WHERE id = ?
	`, rank, isTop, selected, id)
	return err
}

// ListSelectedTriage returns triage rows flagged for deep scrape,
// rank ascending.
func (s *Store) ListSelectedTriage(runAccountID string) ([]PostTriage, error) {
	rows, err := s.db.Query(`
		SELECT id, run_account_id, post_id, score, label, action, confidence, reasons,
			rank, is_top, selected_for_deep_scrape, created_at
		FROM post_triage
		WHERE run_account_id = ? AND selected_for_deep_scrape = 1
		ORDER BY rank ASC
	`, runAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triages []PostTriage
	for rows.Next() {
		var t PostTriage
		var reasonsJSON string
		var rank sql.NullInt64
		err := rows.Scan(&t.ID, &t.RunAccountID, &t.PostID, &t.Score, &t.Label, &t.Action,
			&t.Confidence, &reasonsJSON, &rank, &t.IsTop, &t.SelectedForDeepScrape, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		if rank.Valid {
			v := int(rank.Int64)
			t.Rank = &v
		}
		json.Unmarshal([]byte(reasonsJSON), &t.Reasons)
		triages = append(triages, t)
	}
	return triages, rows.Err()
}

// CreateDeepScrapeTask queues a post for thread expansion, a no-op if
// the task already exists for this (run-account, post).
func (s *Store) CreateDeepScrapeTask(runAccountID string, postID int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO deep_scrape_tasks (run_account_id, post_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_account_id, post_id) DO NOTHING
	`, runAccountID, postID, TaskStatusPending, now, now)
	return err
}

// ListPendingTasks returns pending deep-scrape tasks for a run-account.
func (s *Store) ListPendingTasks(runAccountID string) ([]DeepScrapeTask, error) {
	rows, err := s.db.Query(`
		SELECT id, run_account_id, post_id, status, attempt_count, error_code, error_detail,
			created_at, updated_at
		FROM deep_scrape_tasks
		WHERE run_account_id = ? AND status = ?
		ORDER BY id
	`, runAccountID, TaskStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []DeepScrapeTask
	for rows.Next() {
		var t DeepScrapeTask
		err := rows.Scan(&t.ID, &t.RunAccountID, &t.PostID, &t.Status, &t.AttemptCount,
			&t.ErrorCode, &t.ErrorDetail, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task to a new status, bumping attempt_count
// when the task enters running.
func (s *Store) UpdateTaskStatus(id int64, status, errCode, errDetail string) error {
	bump := 0
	if status == TaskStatusRunning {
		bump = 1
	}
	res, err := s.db.Exec(`
		UPDATE deep_scrape_tasks
		SET status = ?, attempt_count = attempt_count + ?, error_code = ?, error_detail = ?, updated_at = ?
		WHERE id = ?
	`, status, bump, errCode, errDetail, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask fetches one deep-scrape task by id.
func (s *Store) GetTask(id int64) (*DeepScrapeTask, error) {
	var t DeepScrapeTask
	err := s.db.QueryRow(`
		SELECT id, run_account_id, post_id, status, attempt_count, error_code, error_detail,
			created_at, updated_at
		FROM deep_scrape_tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.RunAccountID, &t.PostID, &t.Status, &t.AttemptCount,
		&t.ErrorCode, &t.ErrorDetail, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
