package cron

import "sync"

// accountLocks is an in-process mutual-exclusion set keyed by account
// id. It is owned by the executor instance, not a package global, so
// multiple executors in one process (tests, mainly) stay independent.
// It does not survive a restart; stale-row recovery compensates.
type accountLocks struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{held: make(map[int64]struct{})}
}

// TryAcquire test-and-sets the lock for an account. It never blocks.
func (l *accountLocks) TryAcquire(accountID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[accountID]; taken {
		return false
	}
	l.held[accountID] = struct{}{}
	return true
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (l *accountLocks) Release(accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, accountID)
}
