package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations creates the review cell table and the committed-edit audit
// table. Statements are idempotent so startup can always run them.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS review_cells (
			document_id  TEXT NOT NULL,
			cell_id      TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			row_position INT NOT NULL DEFAULT 0,
			column_name  TEXT NOT NULL,
			value        TEXT NOT NULL DEFAULT '',
			editor_id    TEXT NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

			PRIMARY KEY (document_id, cell_id)
		);

		CREATE INDEX IF NOT EXISTS idx_review_cells_row
			ON review_cells (document_id, row_position, row_id);

		CREATE TABLE IF NOT EXISTS cell_edits (
			added_id    BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			cell_id     TEXT NOT NULL,
			row_id      TEXT NOT NULL,
			value       TEXT NOT NULL,
			editor_id   TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_cell_edits_doc
			ON cell_edits (document_id, added_id);
	`

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
