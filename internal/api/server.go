package api

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/condesk/collab/internal/hub"
	"github.com/condesk/collab/internal/metrics"
	"github.com/condesk/collab/internal/storage"
)

// NewServer creates an HTTP server with all routes configured.
func NewServer(logger *slog.Logger, collabHub *hub.Hub, store storage.DocumentStore, edits EditLister, db Pinger) http.Handler {
	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(Logging(logger))
	mux.Use(Recovery(logger))
	mux.Use(metrics.Metrics)

	health := NewHealthHandler(db, logger)
	mux.Get("/livez", health.Livez)
	mux.Get("/readyz", health.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Get("/ws", NewWSHandler(collabHub, logger).Serve)

	humaAPI := humachi.New(mux, huma.DefaultConfig("Collab", "1.0.0"))
	registerDocumentRoutes(humaAPI, NewDocumentHandler(store, edits, logger))

	return mux
}
