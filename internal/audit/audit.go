// Package audit records committed cell edits after the hub broadcasts them.
// Handlers run asynchronously off the commit path; a slow or failing handler
// never blocks or fails an edit.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/condesk/collab/internal/document"
)

// HandlerFunc is invoked for each committed edit. Must be idempotent — a
// retried commit may deliver the same edit more than once.
type HandlerFunc func(ctx context.Context, u document.Update) error

// Registry holds the after-commit handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
	logger   *slog.Logger
}

// NewRegistry creates an empty handler Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a handler. Handlers registered after dispatch has begun see
// only subsequent edits.
func (r *Registry) Register(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Dispatch fires a goroutine per handler to deliver a committed edit. Errors
// are logged, not propagated — commits are never blocked by audit consumers.
func (r *Registry) Dispatch(u document.Update) {
	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()

	for _, h := range handlers {
		go func(h HandlerFunc) {
			if err := h(context.Background(), u); err != nil {
				r.logger.Error("audit handler failed",
					"document_id", u.DocumentID,
					"cell_id", u.CellID,
					"error", err,
				)
			}
		}(h)
	}
}
