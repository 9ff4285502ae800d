package document

import (
	"sort"
	"time"
)

// Cell is one editable value in a tabular review document. CellID is unique
// within a document; RowID groups cells into the row the UI renders together.
type Cell struct {
	ID        string    `json:"cell_id"`
	RowID     string    `json:"row_id"`
	Column    string    `json:"column"`
	Value     string    `json:"value"`
	EditorID  string    `json:"editor_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Row is the latest state of every cell sharing a RowID, in column order.
type Row struct {
	ID       string `json:"row_id"`
	Position int    `json:"position"`
	Cells    []Cell `json:"cells"`
}

// Update is a committed edit to a single cell. It is a broadcast payload and
// an audit record, not a stored entity — the authoritative value lives in the
// cell itself.
type Update struct {
	DocumentID string    `json:"document_id"`
	CellID     string    `json:"cell_id"`
	RowID      string    `json:"row_id"`
	Value      string    `json:"value"`
	EditorID   string    `json:"editor_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Edit is one entry in the committed-edit audit trail.
type Edit struct {
	AddedID    int64     `json:"added_id"`
	DocumentID string    `json:"document_id"`
	CellID     string    `json:"cell_id"`
	RowID      string    `json:"row_id"`
	Value      string    `json:"value"`
	EditorID   string    `json:"editor_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// GroupRows folds a flat cell list into rows keyed by RowID. Row order follows
// the minimum position seen for each RowID; cells within a row keep their
// input order.
func GroupRows(cells []Cell, positions map[string]int) []Row {
	byRow := make(map[string]*Row)
	var order []string
	for _, c := range cells {
		r, ok := byRow[c.RowID]
		if !ok {
			r = &Row{ID: c.RowID}
			if positions != nil {
				r.Position = positions[c.RowID]
			}
			byRow[c.RowID] = r
			order = append(order, c.RowID)
		}
		r.Cells = append(r.Cells, c)
	}

	rows := make([]Row, 0, len(byRow))
	for _, id := range order {
		rows = append(rows, *byRow[id])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Position != rows[j].Position {
			return rows[i].Position < rows[j].Position
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}
