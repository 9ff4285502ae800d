package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/condesk/collab/internal/circuitbreaker"
	"github.com/condesk/collab/internal/document"
	"github.com/condesk/collab/internal/hub"
	"github.com/condesk/collab/internal/storage"
)

// --- Mock DocumentStore ---

type mockDocumentStore struct {
	rows    map[string][]document.Row
	loadErr error
	saveErr error
}

func newMockDocumentStore() *mockDocumentStore {
	return &mockDocumentStore{rows: make(map[string][]document.Row)}
}

func (m *mockDocumentStore) LoadDocument(ctx context.Context, documentID string) ([]document.Row, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.rows[documentID], nil
}

func (m *mockDocumentStore) SaveCellValue(ctx context.Context, documentID, cellID, value, editorID string, at time.Time) error {
	return m.saveErr
}

// --- Mock EditLister ---

type mockEditLister struct {
	edits   []document.Edit
	listErr error
}

func (m *mockEditLister) List(ctx context.Context, documentID string, afterAddedID int64, limit int) ([]document.Edit, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []document.Edit
	for _, e := range m.edits {
		if e.DocumentID == documentID && e.AddedID > afterAddedID {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func newTestServer(store storage.DocumentStore, edits EditLister) http.Handler {
	collabHub := hub.New(hub.Options{
		Logger:  testLogger(),
		Store:   store,
		Breaker: circuitbreaker.New(5, time.Second),
	})
	return NewServer(testLogger(), collabHub, store, edits, nil)
}

func TestGetRows(t *testing.T) {
	store := newMockDocumentStore()
	store.rows["RVW-1"] = []document.Row{
		{
			ID:       "R1",
			Position: 0,
			Cells: []document.Cell{
				{ID: "C1", RowID: "R1", Column: "item", Value: "rebar"},
				{ID: "C2", RowID: "R1", Column: "qty", Value: "40"},
			},
		},
	}
	server := newTestServer(store, &mockEditLister{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/rows", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d (body %s)", w.Code, http.StatusOK, w.Body)
	}

	var resp DocumentResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID != "RVW-1" {
		t.Errorf("document_id: got %q", resp.DocumentID)
	}
	if len(resp.Rows) != 1 || len(resp.Rows[0].Cells) != 2 {
		t.Fatalf("rows: got %+v", resp.Rows)
	}
	if resp.Rows[0].Cells[0].Value != "rebar" {
		t.Errorf("cell value: got %q", resp.Rows[0].Cells[0].Value)
	}
}

func TestGetRows_EmptyDocument(t *testing.T) {
	server := newTestServer(newMockDocumentStore(), &mockEditLister{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-404/rows", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusOK)
	}

	var resp DocumentResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rows) != 0 {
		t.Errorf("rows: got %+v, want none", resp.Rows)
	}
}

func TestGetRows_StoreError(t *testing.T) {
	store := newMockDocumentStore()
	store.loadErr = errors.New("connection refused")
	server := newTestServer(store, &mockEditLister{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/rows", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestListEdits(t *testing.T) {
	edits := &mockEditLister{edits: []document.Edit{
		{AddedID: 1, DocumentID: "RVW-1", CellID: "C1", RowID: "R1", Value: "a", EditorID: "alice"},
		{AddedID: 2, DocumentID: "RVW-1", CellID: "C1", RowID: "R1", Value: "b", EditorID: "bob"},
		{AddedID: 3, DocumentID: "RVW-2", CellID: "C9", RowID: "R9", Value: "c", EditorID: "carol"},
	}}
	server := newTestServer(newMockDocumentStore(), edits)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/edits", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d (body %s)", w.Code, w.Body)
	}

	var resp EditsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Edits) != 2 {
		t.Fatalf("edits: got %+v, want 2", resp.Edits)
	}
	if resp.Edits[0].AddedID != 1 || resp.Edits[1].AddedID != 2 {
		t.Errorf("edit order: got %+v", resp.Edits)
	}
	if resp.NextCursor != "" {
		t.Errorf("next_cursor on final page: got %q", resp.NextCursor)
	}
}

func TestListEdits_Pagination(t *testing.T) {
	lister := &mockEditLister{}
	for i := int64(1); i <= 5; i++ {
		lister.edits = append(lister.edits, document.Edit{
			AddedID: i, DocumentID: "RVW-1", CellID: "C1", RowID: "R1",
		})
	}
	server := newTestServer(newMockDocumentStore(), lister)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/edits?limit=2", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	var page EditsResponse
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Edits) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: got %+v", page)
	}

	cursor, err := storage.DecodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if cursor.AddedID != 2 {
		t.Errorf("cursor added_id: got %d, want 2", cursor.AddedID)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/edits?limit=2&cursor="+page.NextCursor, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Edits) != 2 || page.Edits[0].AddedID != 3 {
		t.Errorf("second page: got %+v", page.Edits)
	}
}

func TestListEdits_InvalidCursor(t *testing.T) {
	server := newTestServer(newMockDocumentStore(), &mockEditLister{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/edits?cursor=%21%21%21", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestListEdits_ListerError(t *testing.T) {
	server := newTestServer(newMockDocumentStore(), &mockEditLister{listErr: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/RVW-1/edits", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
