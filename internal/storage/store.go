package storage

import (
	"context"
	"errors"
	"time"

	"github.com/condesk/collab/internal/document"
)

// ErrCellNotFound is returned when a save targets a cell that does not exist.
var ErrCellNotFound = errors.New("cell not found")

// DocumentStore is the persistence collaborator for the collaboration core.
// The hub calls SaveCellValue on every commit before broadcasting; the REST
// read surface calls LoadDocument for client prefetch and refetch.
type DocumentStore interface {
	// LoadDocument returns the current rows of a document, grouped by row
	// and ordered by row position.
	LoadDocument(ctx context.Context, documentID string) ([]document.Row, error)

	// SaveCellValue writes a committed edit. Returns ErrCellNotFound if the
	// cell does not exist in the document.
	SaveCellValue(ctx context.Context, documentID, cellID, value, editorID string, at time.Time) error
}
