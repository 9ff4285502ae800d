package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/condesk/collab/internal/document"
	"github.com/condesk/collab/internal/metrics"
	"github.com/condesk/collab/internal/protocol"
	"github.com/condesk/collab/internal/storage"
)

// Session is one websocket connection. Its id is the lock holder identity, so
// a user with two tabs open holds locks per tab, not per account.
type Session struct {
	id     string
	hub    *Hub
	conn   Conn
	logger *slog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	documentID string
	userID     string
	userName   string
}

// ServeConn runs a session over conn until the peer disconnects or the hub
// shuts down. It blocks; the caller's goroutine becomes the read loop.
func (h *Hub) ServeConn(conn Conn) {
	if !h.accepting() {
		conn.Close()
		return
	}

	s := &Session{
		id:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendQueueSize),
		closed: make(chan struct{}),
	}
	s.logger = h.logger.With("session_id", s.id)

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	go s.writePump()
	s.readPump()

	h.dropSession(s)
	s.terminate()
}

func (s *Session) document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// enqueue offers data to the send queue without blocking. A false return
// means the queue is full; the hub treats that as a dead subscriber.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

// terminate closes the connection and stops the write pump. Idempotent.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *Session) readPump() {
	if wait := s.hub.opts.PongWait; wait > 0 {
		s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) writePump() {
	deadline := s.hub.opts.WriteTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	var pings <-chan time.Time
	if interval := s.hub.opts.PingInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(deadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.terminate()
				return
			}
		case <-pings:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline)); err != nil {
				s.terminate()
				return
			}
		case <-s.closed:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// dispatch routes one inbound frame. A malformed or unknown frame costs only
// itself; the connection survives.
func (s *Session) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.logger.Warn("ignoring unknown message type", "error", err)
			return
		}
		s.logger.Warn("malformed message", "error", err)
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "malformed message",
		})
		return
	}
	metrics.MessagesReceived.WithLabelValues(msg.Kind()).Inc()

	switch m := msg.(type) {
	case *protocol.Subscribe:
		s.handleSubscribe(m)
	case *protocol.Unsubscribe:
		s.handleUnsubscribe()
	case *protocol.LockCell:
		s.handleLockCell(m)
	case *protocol.UnlockCell:
		s.handleUnlockCell(m)
	case *protocol.CellUpdate:
		s.handleCellUpdate(m)
	default:
		s.logger.Warn("ignoring server-to-client frame from client", "type", msg.Kind())
	}
}

func (s *Session) handleSubscribe(m *protocol.Subscribe) {
	if m.DocumentID == "" || m.UserID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "subscribe requires documentId and userId",
		})
		return
	}

	// One document per connection: switching documents is an implicit
	// unsubscribe first, in its own critical section.
	prev := s.document()
	if prev != "" && prev != m.DocumentID {
		s.hub.unsubscribe(s, prev)
	}

	s.mu.Lock()
	s.documentID = m.DocumentID
	s.userID = m.UserID
	s.userName = m.UserName
	s.mu.Unlock()

	s.hub.subscribe(s, m.DocumentID)
}

func (s *Session) handleUnsubscribe() {
	prev := s.document()
	if prev == "" {
		return
	}

	s.mu.Lock()
	s.documentID = ""
	s.mu.Unlock()

	s.hub.unsubscribe(s, prev)
}

func (s *Session) handleLockCell(m *protocol.LockCell) {
	documentID := s.document()
	if documentID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeNotSubscribed,
			Message: "lock_cell requires an active subscription",
			CellID:  m.CellID,
		})
		return
	}
	if m.CellID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "lock_cell requires cellId",
		})
		return
	}

	granted, heldBy := s.hub.tryLock(s, documentID, m.CellID, s.user())
	if !granted {
		metrics.LockRejections.Inc()
		s.sendMessage(&protocol.LockRejected{CellID: m.CellID, LockedBy: heldBy})
	}
}

func (s *Session) handleUnlockCell(m *protocol.UnlockCell) {
	documentID := s.document()
	if documentID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeNotSubscribed,
			Message: "unlock_cell requires an active subscription",
			CellID:  m.CellID,
		})
		return
	}
	if m.CellID == "" {
		return
	}
	s.hub.unlock(s, documentID, m.CellID)
}

func (s *Session) handleCellUpdate(m *protocol.CellUpdate) {
	documentID := s.document()
	if documentID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeNotSubscribed,
			Message: "cell_update requires an active subscription",
			CellID:  m.CellID,
		})
		return
	}
	if m.CellID == "" || m.RowID == "" {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "cell_update requires cellId and rowId",
		})
		return
	}

	editorID := s.user()
	now := time.Now().UTC()

	// Persist before broadcast. A value no subscriber will ever reload from
	// the database must not be shown as committed.
	var saveErr error
	err := s.hub.breaker.Execute(func() error {
		saveErr = s.hub.store.SaveCellValue(context.Background(), documentID, m.CellID, m.Value, editorID, now)
		if errors.Is(saveErr, storage.ErrCellNotFound) {
			// Client error, not a backend failure; must not trip the breaker.
			return nil
		}
		return saveErr
	})
	if err != nil {
		metrics.CommitFailures.Inc()
		s.logger.Error("cell update not persisted",
			"document_id", documentID,
			"cell_id", m.CellID,
			"error", err,
		)
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeSaveFailed,
			Message: "cell value could not be saved",
			CellID:  m.CellID,
		})
		return
	}
	if errors.Is(saveErr, storage.ErrCellNotFound) {
		s.sendMessage(&protocol.Error{
			Code:    protocol.CodeInvalidRequest,
			Message: "unknown cell",
			CellID:  m.CellID,
		})
		return
	}

	s.hub.broadcast(documentID, &protocol.CellUpdate{
		CellID:    m.CellID,
		RowID:     m.RowID,
		Value:     m.Value,
		EditorID:  editorID,
		Timestamp: now,
	})
	s.hub.touchLock(s, documentID, m.CellID)

	if s.hub.audit != nil {
		s.hub.audit.Dispatch(document.Update{
			DocumentID: documentID,
			CellID:     m.CellID,
			RowID:      m.RowID,
			Value:      m.Value,
			EditorID:   editorID,
			Timestamp:  now,
		})
	}
}

// sendMessage unicasts msg to this session. Overflow drops the frame; the
// broadcast path is where overflow escalates to disconnect.
func (s *Session) sendMessage(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode message", "type", msg.Kind(), "error", err)
		return
	}
	if !s.enqueue(data) {
		s.logger.Warn("send queue full, dropping message", "type", msg.Kind())
	}
}
