package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DraftInput carries one generated reply option into InsertDrafts.
type DraftInput struct {
	OptionIndex int
	Body        string
	Tone        string
	Length      string
}

// InsertDrafts persists a post's generated options in one transaction,
// tagged with the prompt version and the frozen policy context that
// produced them. A no-op when drafts already exist for the pair.
func (s *Store) InsertDrafts(runAccountID string, postID int64, promptVersion, policyContext string, drafts []DraftInput) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, d := range drafts {
		_, err := tx.Exec(`
			INSERT INTO llm_drafts (run_account_id, post_id, option_index, body, tone, length,
				status, prompt_version, policy_context, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_account_id, post_id, option_index) DO NOTHING
		`, runAccountID, postID, d.OptionIndex, d.Body, d.Tone, d.Length,
			DraftStatusGenerated, promptVersion, policyContext, now)
		if err != nil {
			return fmt.Errorf("failed to insert draft option %d: %w", d.OptionIndex, err)
		}
	}
	return tx.Commit()
}

// HasDrafts reports whether any drafts exist for the pair.
func (s *Store) HasDrafts(runAccountID string, postID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM llm_drafts WHERE run_account_id = ? AND post_id = ?)
	`, runAccountID, postID).Scan(&exists)
	return exists, err
}

// ApproveDraft marks one draft approved and rejects its generated
// siblings in the same transaction, so at most one draft per
// (run-account, post) is ever approved.
func (s *Store) ApproveDraft(draftID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runAccountID string
	var postID int64
	err = tx.QueryRow(`
		SELECT run_account_id, post_id FROM llm_drafts WHERE id = ?
	`, draftID).Scan(&runAccountID, &postID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE llm_drafts SET status = ? WHERE id = ?`,
		DraftStatusApproved, draftID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE llm_drafts SET status = ?
		WHERE run_account_id = ? AND post_id = ? AND id != ? AND status = ?
	`, DraftStatusRejected, runAccountID, postID, draftID, DraftStatusGenerated); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDrafts returns drafts for a (run-account, post) by option index.
func (s *Store) ListDrafts(runAccountID string, postID int64) ([]Draft, error) {
	rows, err := s.db.Query(draftSelect+`
		WHERE run_account_id = ? AND post_id = ?
		ORDER BY option_index
	`, runAccountID, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrafts(rows)
}

// ListApprovedDraftsForAccount returns the account's most recently
// approved drafts across all runs, used as style exemplars.
func (s *Store) ListApprovedDraftsForAccount(accountID int64, limit int) ([]Draft, error) {
	rows, err := s.db.Query(draftSelect+`
		JOIN run_accounts ra ON ra.id = llm_drafts.run_account_id
		WHERE ra.account_id = ? AND llm_drafts.status = ?
		ORDER BY llm_drafts.created_at DESC
		LIMIT ?
	`, accountID, DraftStatusApproved, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDrafts(rows)
}

const draftSelect = `
	SELECT llm_drafts.id, llm_drafts.run_account_id, llm_drafts.post_id,
		llm_drafts.option_index, llm_drafts.body, llm_drafts.tone, llm_drafts.length,
		llm_drafts.status, llm_drafts.prompt_version, llm_drafts.policy_context,
		llm_drafts.created_at
	FROM llm_drafts`

func scanDrafts(rows *sql.Rows) ([]Draft, error) {
	var drafts []Draft
	for rows.Next() {
		var d Draft
		err := rows.Scan(&d.ID, &d.RunAccountID, &d.PostID, &d.OptionIndex, &d.Body,
			&d.Tone, &d.Length, &d.Status, &d.PromptVersion, &d.PolicyContext, &d.CreatedAt)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}
