package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/condesk/collab/internal/document"
)

// PostgresRecorder appends committed edits to the cell_edits table and reads
// them back in added_id order.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder creates a PostgresRecorder.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// Record implements HandlerFunc.
func (r *PostgresRecorder) Record(ctx context.Context, u document.Update) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cell_edits (document_id, cell_id, row_id, value, editor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.DocumentID, u.CellID, u.RowID, u.Value, u.EditorID, u.Timestamp)
	if err != nil {
		return fmt.Errorf("record edit %s/%s: %w", u.DocumentID, u.CellID, err)
	}
	return nil
}

// List returns edits with added_id > afterAddedID for a document, oldest
// first, up to limit.
func (r *PostgresRecorder) List(ctx context.Context, documentID string, afterAddedID int64, limit int) ([]document.Edit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT added_id, document_id, cell_id, row_id, value, editor_id, created_at
		FROM cell_edits
		WHERE document_id = $1 AND added_id > $2
		ORDER BY added_id ASC
		LIMIT $3
	`, documentID, afterAddedID, limit)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	var edits []document.Edit
	for rows.Next() {
		var e document.Edit
		if err := rows.Scan(&e.AddedID, &e.DocumentID, &e.CellID, &e.RowID, &e.Value, &e.EditorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("list edits scan: %w", err)
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}
