package collab

import (
	"errors"
	"sync"
	"time"
)

// ErrUnknownCell reports an update for a cell the cache has never seen. The
// cache is stale — typically a row added after the last full load — and the
// caller should refetch the document.
var ErrUnknownCell = errors.New("unknown cell")

// Cell is the client-side copy of one editable value.
type Cell struct {
	ID        string    `json:"cell_id"`
	RowID     string    `json:"row_id"`
	Column    string    `json:"column"`
	Value     string    `json:"value"`
	EditorID  string    `json:"editor_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Row is one document row in display order.
type Row struct {
	ID       string `json:"row_id"`
	Position int    `json:"position"`
	Cells    []Cell `json:"cells"`
}

// Cache is the last known state of one document: cell values from the REST
// load plus every broadcast applied since, and the current lock set. All
// methods are safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	rows  []Row
	cells map[string]*Cell
	locks map[string]string
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		cells: make(map[string]*Cell),
		locks: make(map[string]string),
	}
}

// Replace overwrites the cached rows with a fresh full load. Lock state is
// kept; it is owned by the subscription, not the REST snapshot.
func (c *Cache) Replace(rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = make([]Row, len(rows))
	copy(c.rows, rows)
	c.cells = make(map[string]*Cell)
	for i := range c.rows {
		for j := range c.rows[i].Cells {
			cell := &c.rows[i].Cells[j]
			c.cells[cell.ID] = cell
		}
	}
}

// ApplyUpdate folds one committed edit into the cache. ErrUnknownCell means
// the cache predates the cell and a refetch is needed.
func (c *Cache) ApplyUpdate(cellID, value, editorID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cell, ok := c.cells[cellID]
	if !ok {
		return ErrUnknownCell
	}
	cell.Value = value
	cell.EditorID = editorID
	cell.UpdatedAt = at
	return nil
}

// ReplaceLocks overwrites the lock set with a subscription snapshot. The
// snapshot is authoritative; nothing is merged.
func (c *Cache) ReplaceLocks(locks []LockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.locks = make(map[string]string, len(locks))
	for _, l := range locks {
		c.locks[l.CellID] = l.UserID
	}
}

// ApplyLock records a cell_locked broadcast.
func (c *Cache) ApplyLock(cellID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks[cellID] = userID
}

// ApplyUnlock records a cell_unlocked broadcast.
func (c *Cache) ApplyUnlock(cellID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, cellID)
}

// Rows returns a copy of the cached rows.
func (c *Cache) Rows() []Row {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := make([]Row, len(c.rows))
	for i, r := range c.rows {
		rows[i] = r
		rows[i].Cells = make([]Cell, len(r.Cells))
		copy(rows[i].Cells, r.Cells)
	}
	return rows
}

// Cell returns the cached cell by ID.
func (c *Cache) Cell(cellID string) (Cell, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cell, ok := c.cells[cellID]
	if !ok {
		return Cell{}, false
	}
	return *cell, true
}

// LockHolder returns the user holding cellID, if anyone.
func (c *Cache) LockHolder(cellID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	userID, ok := c.locks[cellID]
	return userID, ok
}
