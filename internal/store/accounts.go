package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/account"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CreateAccount inserts a new platform account in needs_initial_auth.
func (s *Store) CreateAccount(platform, handle string, cooldownSeconds int) (*Account, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO accounts (platform, handle, status, cooldown_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, platform, handle, string(account.StatusNeedsInitialAuth), cooldownSeconds, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetAccount(id)
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(id int64) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, handle, status, cooldown_seconds, session_blob,
			last_error_code, last_error_detail, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

// ListAccounts returns accounts, optionally filtered by platform.
func (s *Store) ListAccounts(platform string) ([]Account, error) {
	query := `
		SELECT id, platform, handle, status, cooldown_seconds, session_blob,
			last_error_code, last_error_detail, created_at, updated_at
		FROM accounts`
	args := []any{}
	if platform != "" {
		query += ` WHERE platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var status string
	err := row.Scan(&a.ID, &a.Platform, &a.Handle, &status, &a.CooldownSeconds,
		&a.SessionBlob, &a.LastErrorCode, &a.LastErrorDetail, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = account.Status(status)
	return &a, nil
}

// TransitionAccount validates and applies a status change, recording
// the error that caused it when errCode is non-empty.
func (s *Store) TransitionAccount(id int64, to account.Status, errCode, errDetail string) error {
	acct, err := s.GetAccount(id)
	if err != nil {
		return err
	}
	if err := account.ValidateTransition(acct.Status, to); err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE accounts
		SET status = ?, last_error_code = ?, last_error_detail = ?, updated_at = ?
		WHERE id = ?
	`, string(to), errCode, errDetail, time.Now().UTC(), id)
	return err
}

// SetAccountSession stores a fresh credential blob and activates the
// account through the state machine.
func (s *Store) SetAccountSession(id int64, blob string) error {
	acct, err := s.GetAccount(id)
	if err != nil {
		return err
	}
	if acct.Status != account.StatusActive {
		if err := account.ValidateTransition(acct.Status, account.StatusActive); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`
		UPDATE accounts
		SET session_blob = ?, status = ?, last_error_code = '', last_error_detail = '', updated_at = ?
		WHERE id = ?
	`, blob, string(account.StatusActive), time.Now().UTC(), id)
	return err
}

// SetPolicy upserts the account's live engagement policy.
func (s *Store) SetPolicy(accountID int64, p Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO policies (account_id, doc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`, accountID, string(doc), time.Now().UTC())
	return err
}

// GetPolicy returns the account's live policy, or ErrNotFound.
func (s *Store) GetPolicy(accountID int64) (*Policy, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM policies WHERE account_id = ?`, accountID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("corrupt policy for account %d: %w", accountID, err)
	}
	return &p, nil
}
