package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/condesk/collab/internal/document"
	"github.com/condesk/collab/internal/storage"
)

// EditLister reads back the committed-edit audit trail. Satisfied by
// *audit.PostgresRecorder.
type EditLister interface {
	List(ctx context.Context, documentID string, afterAddedID int64, limit int) ([]document.Edit, error)
}

// --- Huma Input/Output types ---

type CellResponse struct {
	CellID    string    `json:"cell_id" doc:"Cell ID, unique within the document"`
	RowID     string    `json:"row_id" doc:"Row the cell belongs to"`
	Column    string    `json:"column" doc:"Column name"`
	Value     string    `json:"value" doc:"Current committed value"`
	EditorID  string    `json:"editor_id,omitempty" doc:"Last editor"`
	UpdatedAt time.Time `json:"updated_at" doc:"Last commit timestamp"`
}

type RowResponse struct {
	RowID    string         `json:"row_id" doc:"Row ID"`
	Position int            `json:"position" doc:"Display position"`
	Cells    []CellResponse `json:"cells" doc:"Cells in column order"`
}

type GetRowsInput struct {
	DocumentID string `path:"document_id" doc:"Document ID" minLength:"1"`
}

type DocumentResponse struct {
	DocumentID string        `json:"document_id" doc:"Document ID"`
	Rows       []RowResponse `json:"rows" doc:"Rows in display order"`
}

type GetRowsOutput struct {
	Body DocumentResponse
}

type ListEditsInput struct {
	DocumentID string `path:"document_id" doc:"Document ID" minLength:"1"`
	Cursor     string `query:"cursor" doc:"Opaque pagination cursor" required:"false"`
	Limit      int    `query:"limit" doc:"Maximum edits to return" required:"false" minimum:"1" maximum:"500"`
}

type EditResponse struct {
	AddedID   int64     `json:"added_id" doc:"Auto-incremented edit ID"`
	CellID    string    `json:"cell_id" doc:"Edited cell"`
	RowID     string    `json:"row_id" doc:"Row of the edited cell"`
	Value     string    `json:"value" doc:"Committed value"`
	EditorID  string    `json:"editor_id" doc:"Editor"`
	CreatedAt time.Time `json:"created_at" doc:"Commit timestamp"`
}

type EditsResponse struct {
	DocumentID string         `json:"document_id" doc:"Document ID"`
	Edits      []EditResponse `json:"edits" doc:"Edits, oldest first"`
	NextCursor string         `json:"next_cursor,omitempty" doc:"Cursor for the next page"`
}

type ListEditsOutput struct {
	Body EditsResponse
}

// --- Handler ---

const defaultEditPageSize = 100

// DocumentHandler serves the REST prefetch surface: clients load the full
// document over HTTP before opening a collaboration socket, and refetch it
// whenever their cache goes stale.
type DocumentHandler struct {
	store  storage.DocumentStore
	edits  EditLister
	logger *slog.Logger
}

func NewDocumentHandler(store storage.DocumentStore, edits EditLister, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{store: store, edits: edits, logger: logger}
}

func registerDocumentRoutes(api huma.API, h *DocumentHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document-rows",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}/rows",
		Summary:     "Get the current state of every row in a document",
		Tags:        []string{"documents"},
	}, h.GetRows)

	huma.Register(api, huma.Operation{
		OperationID: "list-document-edits",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}/edits",
		Summary:     "List the committed-edit audit trail for a document",
		Tags:        []string{"documents"},
	}, h.ListEdits)
}

func (h *DocumentHandler) GetRows(ctx context.Context, input *GetRowsInput) (*GetRowsOutput, error) {
	rows, err := h.store.LoadDocument(ctx, input.DocumentID)
	if err != nil {
		h.logger.Error("failed to load document", "document_id", input.DocumentID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load document")
	}

	resp := make([]RowResponse, len(rows))
	for i, r := range rows {
		resp[i] = rowToResponse(r)
	}
	return &GetRowsOutput{Body: DocumentResponse{DocumentID: input.DocumentID, Rows: resp}}, nil
}

func (h *DocumentHandler) ListEdits(ctx context.Context, input *ListEditsInput) (*ListEditsOutput, error) {
	var afterAddedID int64
	if input.Cursor != "" {
		cursor, err := storage.DecodeCursor(input.Cursor)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid cursor")
		}
		afterAddedID = cursor.AddedID
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultEditPageSize
	}

	edits, err := h.edits.List(ctx, input.DocumentID, afterAddedID, limit)
	if err != nil {
		h.logger.Error("failed to list edits", "document_id", input.DocumentID, "error", err)
		return nil, huma.Error500InternalServerError("failed to list edits")
	}

	resp := make([]EditResponse, len(edits))
	for i, e := range edits {
		resp[i] = EditResponse{
			AddedID:   e.AddedID,
			CellID:    e.CellID,
			RowID:     e.RowID,
			Value:     e.Value,
			EditorID:  e.EditorID,
			CreatedAt: e.CreatedAt,
		}
	}

	out := &ListEditsOutput{Body: EditsResponse{DocumentID: input.DocumentID, Edits: resp}}
	if len(edits) == limit {
		cursor := storage.Cursor{AddedID: edits[len(edits)-1].AddedID}
		next, err := cursor.Encode()
		if err != nil {
			h.logger.Error("failed to encode cursor", "error", err)
			return nil, huma.Error500InternalServerError("failed to encode cursor")
		}
		out.Body.NextCursor = next
	}
	return out, nil
}

func rowToResponse(r document.Row) RowResponse {
	cells := make([]CellResponse, len(r.Cells))
	for i, c := range r.Cells {
		cells[i] = CellResponse{
			CellID:    c.ID,
			RowID:     c.RowID,
			Column:    c.Column,
			Value:     c.Value,
			EditorID:  c.EditorID,
			UpdatedAt: c.UpdatedAt,
		}
	}
	return RowResponse{RowID: r.ID, Position: r.Position, Cells: cells}
}
