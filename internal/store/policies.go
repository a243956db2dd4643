package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetOrCreatePolicySnapshot freezes the account's live policy for one
// run-account. Idempotent: a second call returns the existing snapshot
// untouched, even if the live policy changed in between. A duplicate
// insert racing another pipeline falls back to the winner's row.
func (s *Store) GetOrCreatePolicySnapshot(runAccountID string, accountID int64) (*PolicySnapshot, error) {
	if snap, err := s.getPolicySnapshot(runAccountID); err == nil {
		return snap, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	policy, err := s.GetPolicy(accountID)
	if errors.Is(err, ErrNotFound) {
		def := DefaultPolicy()
		policy = &def
	} else if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(policy)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO policy_snapshots (run_account_id, account_id, policy, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_account_id) DO NOTHING
	`, runAccountID, accountID, string(doc), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy snapshot: %w", err)
	}

	return s.getPolicySnapshot(runAccountID)
}

func (s *Store) getPolicySnapshot(runAccountID string) (*PolicySnapshot, error) {
	var snap PolicySnapshot
	err := s.db.QueryRow(`
		SELECT id, run_account_id, account_id, policy, created_at
		FROM policy_snapshots WHERE run_account_id = ?
	`, runAccountID).Scan(&snap.ID, &snap.RunAccountID, &snap.AccountID, &snap.Policy, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DecodePolicy parses the frozen policy JSON carried by a snapshot.
func (snap *PolicySnapshot) DecodePolicy() (Policy, error) {
	var p Policy
	if err := json.Unmarshal([]byte(snap.Policy), &p); err != nil {
		return Policy{}, fmt.Errorf("corrupt policy snapshot %d: %w", snap.ID, err)
	}
	return p, nil
}
