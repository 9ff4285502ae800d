package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/condesk/collab/internal/circuitbreaker"
	"github.com/condesk/collab/internal/document"
	"github.com/condesk/collab/internal/protocol"
)

// fakeConn is an in-memory Conn. Frames pushed to inbound are what the peer
// sends; written collects what the server wrote.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	readIdx int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if messageType == websocket.TextMessage {
		c.mu.Lock()
		c.written = append(c.written, data)
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// next pops the oldest unread server frame, waiting up to timeout.
func (c *fakeConn) next(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if c.readIdx < len(c.written) {
			data := c.written[c.readIdx]
			c.readIdx++
			c.mu.Unlock()
			return data, true
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type savedCell struct {
	documentID string
	cellID     string
	value      string
	editorID   string
}

type fakeStore struct {
	mu    sync.Mutex
	saves []savedCell
	err   error
}

func (f *fakeStore) LoadDocument(ctx context.Context, documentID string) ([]document.Row, error) {
	return nil, nil
}

func (f *fakeStore) SaveCellValue(ctx context.Context, documentID, cellID, value, editorID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves = append(f.saves, savedCell{documentID, cellID, value, editorID})
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func newTestHub(store *fakeStore) *Hub {
	return New(Options{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:         store,
		Breaker:       circuitbreaker.New(5, time.Second),
		NumStripes:    4,
		SendQueueSize: 32,
		WriteTimeout:  time.Second,
	})
}

// connect starts a session over a fresh fake conn.
func connect(h *Hub) *fakeConn {
	c := newFakeConn()
	go h.ServeConn(c)
	return c
}

func send(t *testing.T, c *fakeConn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Kind(), err)
	}
	c.inbound <- data
}

// await reads the next server frame and fails unless it has the wanted kind.
// Frame order per connection is the delivery guarantee under test, so no
// skipping.
func await(t *testing.T, c *fakeConn, wantKind string) protocol.Message {
	t.Helper()
	data, ok := c.next(2 * time.Second)
	if !ok {
		t.Fatalf("timed out waiting for %s", wantKind)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	if msg.Kind() != wantKind {
		t.Fatalf("frame kind: got %s, want %s (frame %s)", msg.Kind(), wantKind, data)
	}
	return msg
}

func assertSilent(t *testing.T, c *fakeConn) {
	t.Helper()
	if data, ok := c.next(50 * time.Millisecond); ok {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func subscribe(t *testing.T, c *fakeConn, documentID, userID string) {
	t.Helper()
	send(t, c, &protocol.Subscribe{DocumentID: documentID, UserID: userID})
	ack := await(t, c, protocol.TypeSubscribed).(*protocol.Subscribed)
	if ack.DocumentID != documentID {
		t.Fatalf("subscribed document: got %s, want %s", ack.DocumentID, documentID)
	}
}

func TestSubscribe_EmptySnapshot(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	send(t, a, &protocol.Subscribe{DocumentID: "RVW-1", UserID: "alice"})

	ack := await(t, a, protocol.TypeSubscribed).(*protocol.Subscribed)
	if len(ack.Locks) != 0 {
		t.Errorf("snapshot locks: got %v, want empty", ack.Locks)
	}
}

func TestSubscribe_MissingFields(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	send(t, a, &protocol.Subscribe{DocumentID: "RVW-1"})

	errMsg := await(t, a, protocol.TypeError).(*protocol.Error)
	if errMsg.Code != protocol.CodeInvalidRequest {
		t.Errorf("error code: got %s, want %s", errMsg.Code, protocol.CodeInvalidRequest)
	}
}

func TestSubscribe_SnapshotIncludesHeldLocks(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)

	b := connect(h)
	send(t, b, &protocol.Subscribe{DocumentID: "RVW-1", UserID: "bob"})
	ack := await(t, b, protocol.TypeSubscribed).(*protocol.Subscribed)

	if len(ack.Locks) != 1 {
		t.Fatalf("snapshot locks: got %v, want one entry", ack.Locks)
	}
	if ack.Locks[0].CellID != "C1" || ack.Locks[0].UserID != "alice" {
		t.Errorf("snapshot lock: got %+v", ack.Locks[0])
	}
}

func TestLockCell_GrantBroadcastsToEveryone(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})

	for _, c := range []*fakeConn{a, b} {
		locked := await(t, c, protocol.TypeCellLocked).(*protocol.CellLocked)
		if locked.CellID != "C1" || locked.UserID != "alice" {
			t.Errorf("cell_locked: got %+v", locked)
		}
	}
}

func TestLockCell_ContentionRejected(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	send(t, b, &protocol.LockCell{CellID: "C1"})

	rejected := await(t, b, protocol.TypeLockRejected).(*protocol.LockRejected)
	if rejected.CellID != "C1" || rejected.LockedBy != "alice" {
		t.Errorf("lock_rejected: got %+v", rejected)
	}
	// The losing request must not leak a broadcast.
	assertSilent(t, a)
}

func TestLockCell_RequiresSubscription(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	send(t, a, &protocol.LockCell{CellID: "C1"})

	errMsg := await(t, a, protocol.TypeError).(*protocol.Error)
	if errMsg.Code != protocol.CodeNotSubscribed {
		t.Errorf("error code: got %s, want %s", errMsg.Code, protocol.CodeNotSubscribed)
	}
}

func TestUnlockCell_HolderOnly(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	// Bob cannot release Alice's lock.
	send(t, b, &protocol.UnlockCell{CellID: "C1"})
	assertSilent(t, a)

	send(t, a, &protocol.UnlockCell{CellID: "C1"})
	for _, c := range []*fakeConn{a, b} {
		unlocked := await(t, c, protocol.TypeCellUnlocked).(*protocol.CellUnlocked)
		if unlocked.CellID != "C1" {
			t.Errorf("cell_unlocked: got %+v", unlocked)
		}
	}
}

func TestCellUpdate_PersistsAndBroadcasts(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(store)

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.CellUpdate{CellID: "C1", RowID: "R1", Value: "approved"})

	for _, c := range []*fakeConn{a, b} {
		upd := await(t, c, protocol.TypeCellUpdate).(*protocol.CellUpdate)
		if upd.CellID != "C1" || upd.Value != "approved" {
			t.Errorf("cell_update: got %+v", upd)
		}
		if upd.EditorID != "alice" {
			t.Errorf("editorId: got %q, want alice", upd.EditorID)
		}
		if upd.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	}

	if store.saveCount() != 1 {
		t.Errorf("saves: got %d, want 1", store.saveCount())
	}
	store.mu.Lock()
	saved := store.saves[0]
	store.mu.Unlock()
	if saved.documentID != "RVW-1" || saved.cellID != "C1" || saved.value != "approved" || saved.editorID != "alice" {
		t.Errorf("saved cell: got %+v", saved)
	}
}

func TestCellUpdate_SaveFailureIsUnicast(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	h := newTestHub(store)

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.CellUpdate{CellID: "C1", RowID: "R1", Value: "x"})

	errMsg := await(t, a, protocol.TypeError).(*protocol.Error)
	if errMsg.Code != protocol.CodeSaveFailed {
		t.Errorf("error code: got %s, want %s", errMsg.Code, protocol.CodeSaveFailed)
	}
	if errMsg.CellID != "C1" {
		t.Errorf("error cellId: got %s, want C1", errMsg.CellID)
	}
	// An unpersisted value must never reach other subscribers.
	assertSilent(t, b)
}

func TestCellUpdate_RequiresSubscription(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	send(t, a, &protocol.CellUpdate{CellID: "C1", RowID: "R1", Value: "x"})

	errMsg := await(t, a, protocol.TypeError).(*protocol.Error)
	if errMsg.Code != protocol.CodeNotSubscribed {
		t.Errorf("error code: got %s, want %s", errMsg.Code, protocol.CodeNotSubscribed)
	}
}

func TestDisconnect_ReleasesLocks(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	a.Close()

	unlocked := await(t, b, protocol.TypeCellUnlocked).(*protocol.CellUnlocked)
	if unlocked.CellID != "C1" {
		t.Errorf("cell_unlocked: got %+v", unlocked)
	}
}

func TestSubscribe_SwitchingDocumentsReleasesLocks(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	subscribe(t, a, "RVW-2", "alice")

	unlocked := await(t, b, protocol.TypeCellUnlocked).(*protocol.CellUnlocked)
	if unlocked.CellID != "C1" {
		t.Errorf("cell_unlocked: got %+v", unlocked)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, b, &protocol.Unsubscribe{})
	time.Sleep(20 * time.Millisecond)

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	assertSilent(t, b)
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")

	a.inbound <- []byte(`{"type":"presence_ping","userId":"alice"}`)

	// The connection must survive and keep working.
	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
}

func TestDispatch_MalformedFrame(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")

	a.inbound <- []byte(`{"type":"lock_cell",`)

	errMsg := await(t, a, protocol.TypeError).(*protocol.Error)
	if errMsg.Code != protocol.CodeInvalidRequest {
		t.Errorf("error code: got %s, want %s", errMsg.Code, protocol.CodeInvalidRequest)
	}

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
}

func TestSweeper_ExpiresIdleLocks(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-1", "bob")

	send(t, a, &protocol.LockCell{CellID: "C1"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	time.Sleep(20 * time.Millisecond)
	h.sweepIdleLocks(10 * time.Millisecond)

	for _, c := range []*fakeConn{a, b} {
		unlocked := await(t, c, protocol.TypeCellUnlocked).(*protocol.CellUnlocked)
		if unlocked.CellID != "C1" {
			t.Errorf("cell_unlocked: got %+v", unlocked)
		}
	}
}

func TestShutdown_ClosesSessions(t *testing.T) {
	h := newTestHub(&fakeStore{})

	a := connect(h)
	subscribe(t, a, "RVW-1", "alice")

	h.Shutdown(context.Background())

	select {
	case <-a.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed on shutdown")
	}

	// New connections are refused after shutdown.
	c := newFakeConn()
	h.ServeConn(c)
	select {
	case <-c.closed:
	default:
		t.Error("post-shutdown connection not closed")
	}
}

// Two editors on one document: lock, contention, commit, disconnect cleanup.
func TestCollaborationFlow(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(store)

	a := connect(h)
	subscribe(t, a, "RVW-2041", "alice")
	b := connect(h)
	subscribe(t, b, "RVW-2041", "bob")

	// Alice takes the cell.
	send(t, a, &protocol.LockCell{CellID: "C-price"})
	await(t, a, protocol.TypeCellLocked)
	await(t, b, protocol.TypeCellLocked)

	// Bob loses arbitration.
	send(t, b, &protocol.LockCell{CellID: "C-price"})
	rejected := await(t, b, protocol.TypeLockRejected).(*protocol.LockRejected)
	if rejected.LockedBy != "alice" {
		t.Errorf("lockedBy: got %q, want alice", rejected.LockedBy)
	}

	// Alice commits; both see the new value.
	send(t, a, &protocol.CellUpdate{CellID: "C-price", RowID: "R-7", Value: "1890.00"})
	for _, c := range []*fakeConn{a, b} {
		upd := await(t, c, protocol.TypeCellUpdate).(*protocol.CellUpdate)
		if upd.Value != "1890.00" || upd.EditorID != "alice" {
			t.Errorf("cell_update: got %+v", upd)
		}
	}

	// Alice drops; her lock is released for everyone.
	a.Close()
	unlocked := await(t, b, protocol.TypeCellUnlocked).(*protocol.CellUnlocked)
	if unlocked.CellID != "C-price" {
		t.Errorf("cell_unlocked: got %+v", unlocked)
	}

	// Bob can now take the cell.
	send(t, b, &protocol.LockCell{CellID: "C-price"})
	locked := await(t, b, protocol.TypeCellLocked).(*protocol.CellLocked)
	if locked.UserID != "bob" {
		t.Errorf("new holder: got %q, want bob", locked.UserID)
	}
}
