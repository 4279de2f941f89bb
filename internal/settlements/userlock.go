package settlements

import (
	"sync"

	"github.com/google/uuid"
)

// userLocks serializes settlement attempts per user. The store-level
// conditional debit is still authoritative across processes; this keeps the
// Validating-to-Recording span race-free within one instance so concurrent
// requests for the same user fail fast instead of losing the debit.
type userLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*userLockEntry
}

type userLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: map[uuid.UUID]*userLockEntry{}}
}

// acquire blocks until the per-user lock is held and returns the release
// function. Entries are reference-counted and removed when unused so the map
// does not grow with the user population.
func (l *userLocks) acquire(userID uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &userLockEntry{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
