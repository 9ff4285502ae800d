// Package lock implements the per-document cell lock table. Locks are
// pessimistic and exclusive: for a given cell at most one holder exists, and
// arbitration is first-come-first-served with no queueing. Locks live only in
// memory — a restart clears them, and clients rebuild state by resubscribing.
package lock

import (
	"sync"
	"time"
)

// Entry is one held lock. HolderID identifies the owning connection; UserID
// is the display identity broadcast to other subscribers.
type Entry struct {
	CellID   string
	HolderID string
	UserID   string
	HeldAt   time.Time
}

// Table maps cellID → holder for a single document. Contention is reported as
// a value, never an error. The table is safe for concurrent use, but callers
// that need a grant and its broadcast to be atomic must serialize at the
// document level above it.
type Table struct {
	mu    sync.Mutex
	cells map[string]*Entry
	now   func() time.Time
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{cells: make(map[string]*Entry), now: time.Now}
}

// TryLock grants the cell to holder if it is free, or re-grants it to the
// same holder (a retry after a lost ack must not deadlock against itself).
// On rejection it returns the user identity of the current holder.
func (t *Table) TryLock(cellID, holderID, userID string) (granted bool, heldBy string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.cells[cellID]; ok {
		if e.HolderID == holderID {
			e.HeldAt = t.now()
			return true, ""
		}
		return false, e.UserID
	}

	t.cells[cellID] = &Entry{
		CellID:   cellID,
		HolderID: holderID,
		UserID:   userID,
		HeldAt:   t.now(),
	}
	return true, ""
}

// Unlock releases the cell only if holder owns it. A stale or duplicate
// unlock from anyone else is a no-op, so it can never steal another holder's
// lock. Reports whether a lock was actually released.
func (t *Table) Unlock(cellID, holderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.cells[cellID]
	if !ok || e.HolderID != holderID {
		return false
	}
	delete(t.cells, cellID)
	return true
}

// Touch refreshes the hold time of a lock, if holder owns it. Commits count
// as activity for idle expiry purposes.
func (t *Table) Touch(cellID, holderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.cells[cellID]; ok && e.HolderID == holderID {
		e.HeldAt = t.now()
	}
}

// ReleaseAllFor drops every lock held by holder and returns the released
// entries so the caller can broadcast a cell_unlocked for each. This is the
// disconnect cleanup path: a dropped client must never leave a cell locked.
func (t *Table) ReleaseAllFor(holderID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []Entry
	for id, e := range t.cells {
		if e.HolderID == holderID {
			released = append(released, *e)
			delete(t.cells, id)
		}
	}
	return released
}

// ExpireIdle drops every lock whose hold time is older than ttl and returns
// the expired entries. Used by the optional idle sweeper; with the sweeper
// disabled, disconnect remains the only automatic release trigger.
func (t *Table) ExpireIdle(ttl time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	var expired []Entry
	for id, e := range t.cells {
		if e.HeldAt.Before(cutoff) {
			expired = append(expired, *e)
			delete(t.cells, id)
		}
	}
	return expired
}

// Snapshot returns every held lock, for replay to a newly subscribing
// connection.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.cells))
	for _, e := range t.cells {
		out = append(out, *e)
	}
	return out
}

// Len reports the number of held locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cells)
}
