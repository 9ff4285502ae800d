// Package hub is the server side of the collaboration protocol: a registry of
// document subscriptions, a per-cell lock table per document, and the fan-out
// path that delivers every state change to every subscriber.
//
// Document state is striped by document ID. The stripe mutex is the
// per-document serialization point: a lock grant and its broadcast, or a
// snapshot and the subscription it belongs to, happen atomically under it.
// Database writes never run under a stripe lock.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/condesk/collab/internal/audit"
	"github.com/condesk/collab/internal/circuitbreaker"
	"github.com/condesk/collab/internal/lock"
	"github.com/condesk/collab/internal/metrics"
	"github.com/condesk/collab/internal/protocol"
	"github.com/condesk/collab/internal/shard"
	"github.com/condesk/collab/internal/storage"
)

// Options configures a Hub.
type Options struct {
	Logger  *slog.Logger
	Store   storage.DocumentStore
	Breaker *circuitbreaker.Breaker
	Audit   *audit.Registry

	NumStripes    int
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration
}

// docState is everything the hub tracks for one document with at least one
// subscriber or held lock.
type docState struct {
	locks    *lock.Table
	sessions map[*Session]struct{}
}

type stripe struct {
	mu   sync.Mutex
	docs map[string]*docState
}

// Hub owns all live collaboration state.
type Hub struct {
	logger  *slog.Logger
	store   storage.DocumentStore
	breaker *circuitbreaker.Breaker
	audit   *audit.Registry
	opts    Options

	stripes []*stripe

	mu       sync.Mutex
	shutdown bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.NumStripes <= 0 {
		opts.NumStripes = 16
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	stripes := make([]*stripe, opts.NumStripes)
	for i := range stripes {
		stripes[i] = &stripe{docs: make(map[string]*docState)}
	}
	return &Hub{
		logger:  opts.Logger,
		store:   opts.Store,
		breaker: opts.Breaker,
		audit:   opts.Audit,
		opts:    opts,
		stripes: stripes,
	}
}

func (h *Hub) stripeFor(documentID string) *stripe {
	return h.stripes[int(shard.ForKey(documentID, len(h.stripes)))]
}

// subscribe registers the session under documentID and enqueues the
// subscribed acknowledgment in the same critical section, so no lock event
// can slip between the snapshot and its replay.
func (h *Hub) subscribe(s *Session, documentID string) {
	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ds, ok := st.docs[documentID]
	if !ok {
		ds = &docState{locks: lock.NewTable(), sessions: make(map[*Session]struct{})}
		st.docs[documentID] = ds
	}
	if _, already := ds.sessions[s]; !already {
		ds.sessions[s] = struct{}{}
		metrics.Subscribers.Inc()
	}

	entries := ds.locks.Snapshot()
	locks := make([]protocol.Lock, 0, len(entries))
	for _, e := range entries {
		locks = append(locks, protocol.Lock{CellID: e.CellID, UserID: e.UserID})
	}

	data, err := protocol.Encode(&protocol.Subscribed{DocumentID: documentID, Locks: locks})
	if err != nil {
		h.logger.Error("encode subscribed", "document_id", documentID, "error", err)
		return
	}
	if !s.enqueue(data) {
		h.logger.Warn("send queue overflow on subscribe, dropping session",
			"session_id", s.id,
			"document_id", documentID,
		)
		metrics.DroppedSessions.Inc()
		h.removeSessionLocked(st, ds, documentID, s)
		go s.terminate()
	}
}

// unsubscribe removes the session from documentID, releasing every lock it
// holds there and broadcasting the releases to the remaining subscribers.
func (h *Hub) unsubscribe(s *Session, documentID string) {
	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ds, ok := st.docs[documentID]
	if !ok {
		return
	}
	h.removeSessionLocked(st, ds, documentID, s)
}

// removeSessionLocked detaches s from ds, releases its locks, and enqueues
// cell_unlocked frames for the remaining subscribers. Stripe mutex held.
func (h *Hub) removeSessionLocked(st *stripe, ds *docState, documentID string, s *Session) {
	if _, ok := ds.sessions[s]; ok {
		delete(ds.sessions, s)
		metrics.Subscribers.Dec()
	}

	released := ds.locks.ReleaseAllFor(s.id)
	if n := len(released); n > 0 {
		metrics.LocksHeld.Sub(float64(n))
	}
	for _, e := range released {
		data, err := protocol.Encode(&protocol.CellUnlocked{CellID: e.CellID})
		if err != nil {
			continue
		}
		h.fanOutLocked(st, ds, documentID, protocol.TypeCellUnlocked, data)
	}

	if len(ds.sessions) == 0 && ds.locks.Len() == 0 {
		delete(st.docs, documentID)
	}
}

// fanOutLocked enqueues data to every subscriber of ds. A session whose queue
// is full cannot be allowed to stall the document, so it is removed and its
// locks released on the spot; its socket is closed after the stripe unlocks.
// Stripe mutex held.
func (h *Hub) fanOutLocked(st *stripe, ds *docState, documentID, kind string, data []byte) {
	var overflowed []*Session
	for sess := range ds.sessions {
		if !sess.enqueue(data) {
			overflowed = append(overflowed, sess)
		}
	}
	metrics.BroadcastsTotal.WithLabelValues(kind).Inc()

	for _, sess := range overflowed {
		h.logger.Warn("send queue overflow, dropping session",
			"session_id", sess.id,
			"document_id", documentID,
		)
		metrics.DroppedSessions.Inc()
		h.removeSessionLocked(st, ds, documentID, sess)
		go sess.terminate()
	}
}

// broadcast encodes msg once and fans it out to every subscriber of
// documentID.
func (h *Hub) broadcast(documentID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode broadcast", "type", msg.Kind(), "error", err)
		return
	}

	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ds, ok := st.docs[documentID]
	if !ok {
		return
	}
	h.fanOutLocked(st, ds, documentID, msg.Kind(), data)
}

// tryLock arbitrates a lock request and broadcasts the grant in the same
// critical section, so no subscriber can observe a grant out of order.
func (h *Hub) tryLock(s *Session, documentID, cellID, userID string) (granted bool, heldBy string) {
	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ds, ok := st.docs[documentID]
	if !ok {
		return false, ""
	}

	before := ds.locks.Len()
	granted, heldBy = ds.locks.TryLock(cellID, s.id, userID)
	if !granted {
		return false, heldBy
	}
	metrics.LocksHeld.Add(float64(ds.locks.Len() - before))

	data, err := protocol.Encode(&protocol.CellLocked{CellID: cellID, UserID: userID})
	if err == nil {
		h.fanOutLocked(st, ds, documentID, protocol.TypeCellLocked, data)
	}
	return true, ""
}

// unlock releases a lock s holds and broadcasts the release. An unlock of a
// cell s does not hold is a no-op.
func (h *Hub) unlock(s *Session, documentID, cellID string) {
	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ds, ok := st.docs[documentID]
	if !ok {
		return
	}
	if !ds.locks.Unlock(cellID, s.id) {
		return
	}
	metrics.LocksHeld.Dec()

	data, err := protocol.Encode(&protocol.CellUnlocked{CellID: cellID})
	if err == nil {
		h.fanOutLocked(st, ds, documentID, protocol.TypeCellUnlocked, data)
	}
}

// touchLock refreshes the hold time on a lock s holds, if any. Commits count
// as activity for idle expiry.
func (h *Hub) touchLock(s *Session, documentID, cellID string) {
	st := h.stripeFor(documentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if ds, ok := st.docs[documentID]; ok {
		ds.locks.Touch(cellID, s.id)
	}
}

// dropSession is the disconnect cleanup path: whatever document s was
// subscribed to loses the subscription and every lock s held.
func (h *Hub) dropSession(s *Session) {
	if documentID := s.document(); documentID != "" {
		h.unsubscribe(s, documentID)
	}
}

// RunSweeper expires idle locks every interval until ctx is done. A zero ttl
// disables expiry entirely; disconnect stays the only automatic release
// trigger.
func (h *Hub) RunSweeper(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdleLocks(ttl)
		}
	}
}

func (h *Hub) sweepIdleLocks(ttl time.Duration) {
	for _, st := range h.stripes {
		st.mu.Lock()
		for documentID, ds := range st.docs {
			expired := ds.locks.ExpireIdle(ttl)
			if len(expired) == 0 {
				continue
			}
			metrics.LocksHeld.Sub(float64(len(expired)))
			metrics.LocksExpired.Add(float64(len(expired)))
			for _, e := range expired {
				h.logger.Info("idle lock expired",
					"document_id", documentID,
					"cell_id", e.CellID,
					"user_id", e.UserID,
				)
				data, err := protocol.Encode(&protocol.CellUnlocked{CellID: e.CellID})
				if err == nil {
					h.fanOutLocked(st, ds, documentID, protocol.TypeCellUnlocked, data)
				}
			}
			if len(ds.sessions) == 0 && ds.locks.Len() == 0 {
				delete(st.docs, documentID)
			}
		}
		st.mu.Unlock()
	}
}

// Shutdown closes every live session and stops accepting new ones. In-flight
// commits finish in their session goroutines; their broadcasts go nowhere.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()

	var sessions []*Session
	for _, st := range h.stripes {
		st.mu.Lock()
		for documentID, ds := range st.docs {
			for sess := range ds.sessions {
				sessions = append(sessions, sess)
			}
			metrics.Subscribers.Sub(float64(len(ds.sessions)))
			metrics.LocksHeld.Sub(float64(ds.locks.Len()))
			delete(st.docs, documentID)
		}
		st.mu.Unlock()
	}

	for _, sess := range sessions {
		sess.terminate()
	}
}

func (h *Hub) accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.shutdown
}
