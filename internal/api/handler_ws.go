package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/condesk/collab/internal/hub"
)

// Origin checks are the reverse proxy's job in every deployment this serves.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades collaboration connections and hands them to the hub.
type WSHandler struct {
	hub    *hub.Hub
	logger *slog.Logger
}

func NewWSHandler(h *hub.Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: h, logger: logger}
}

// Serve blocks for the lifetime of the connection; chi runs each request in
// its own goroutine, so that is the session's read loop.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.hub.ServeConn(conn)
}
