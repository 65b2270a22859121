package app

import (
	"sync"

	"github.com/google/uuid"
)

// accountLocks serialises balance-affecting operations per credit account
// within this process. The database row lock in RecomputeAccountBalances
// guards cross-process writers; this keeps a single process from interleaving
// the create-then-recompute sequence for the same account.
type accountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *accountLocks) Lock(accountID uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
