package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/condesk/collab/internal/document"
)

// PostgresStore implements DocumentStore using PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresStore creates a DocumentStore backed by the given pool.
// queryTimeout sets the per-query context deadline; zero means no timeout.
func NewPostgresStore(pool *pgxpool.Pool, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, queryTimeout: queryTimeout}
}

// withTimeout derives a child context with the configured query timeout.
// If queryTimeout is zero, the parent context is returned unchanged.
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) ([]document.Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT cell_id, row_id, row_position, column_name, value, editor_id, updated_at
		FROM review_cells
		WHERE document_id = $1
		ORDER BY row_position, row_id, column_name
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	defer rows.Close()

	var cells []document.Cell
	positions := make(map[string]int)
	for rows.Next() {
		var c document.Cell
		var pos int
		if err := rows.Scan(&c.ID, &c.RowID, &pos, &c.Column, &c.Value, &c.EditorID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("load document scan: %w", err)
		}
		positions[c.RowID] = pos
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load document rows: %w", err)
	}

	return document.GroupRows(cells, positions), nil
}

func (s *PostgresStore) SaveCellValue(ctx context.Context, documentID, cellID, value, editorID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE review_cells
		SET value = $3, editor_id = $4, updated_at = $5
		WHERE document_id = $1 AND cell_id = $2
	`, documentID, cellID, value, editorID, at)
	if err != nil {
		return fmt.Errorf("save cell value: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCellNotFound
	}
	return nil
}

// InsertCell creates a cell. The CRUD layer that normally authors documents
// lives outside this service; this is used by fixtures and seed tooling.
func (s *PostgresStore) InsertCell(ctx context.Context, documentID string, position int, c document.Cell) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_cells (document_id, cell_id, row_id, row_position, column_name, value, editor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, documentID, c.ID, c.RowID, position, c.Column, c.Value, c.EditorID)
	if err != nil {
		return fmt.Errorf("insert cell: %w", err)
	}
	return nil
}
