package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

var errNotConnected = errors.New("not connected")

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://collab.internal:8080/ws".
	URL        string
	DocumentID string
	UserID     string
	// UserName is the display name shown to other editors.
	UserName string

	Logger *slog.Logger

	// Loader, when set, refetches the document after every subscribe and
	// whenever a broadcast reveals the cache is stale.
	Loader Loader

	// OnChange fires after any cache mutation. Called from the read loop;
	// keep it fast.
	OnChange func()

	// OnLockRejected fires when a lock request loses arbitration.
	OnLockRejected func(cellID, lockedBy string)

	// OnError fires for server-side errors, e.g. a failed save.
	OnError func(code, reason, cellID string)

	// ReconnectInitialWait is the first reconnect delay. Defaults to 1s.
	ReconnectInitialWait time.Duration
}

// Client maintains one subscription to one document. Mutations arrive over
// the socket and fold into the local Cache; edits go out fire-and-forget.
type Client struct {
	opts   Options
	logger *slog.Logger
	cache  *Cache

	refetching atomic.Bool

	writeMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
	done  chan struct{}
}

// NewClient creates a Client. It does not connect; call Connect for a single
// attempt or Run for a supervised connection.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("collab: URL is required")
	}
	if opts.DocumentID == "" {
		return nil, errors.New("collab: DocumentID is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("collab: UserID is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		opts:   opts,
		logger: logger,
		cache:  NewCache(),
	}, nil
}

// Cache returns the client's document cache.
func (c *Client) Cache() *Cache {
	return c.cache
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect makes a single connection attempt: dial, subscribe, and start the
// read loop. It returns once the subscription request is on the wire.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.New("collab: already connected")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.state = StateOpen
	c.mu.Unlock()

	if err := c.write(Frame{
		Type:       TypeSubscribe,
		DocumentID: c.opts.DocumentID,
		UserID:     c.opts.UserID,
		UserName:   c.opts.UserName,
	}); err != nil {
		c.Close()
		close(done)
		return fmt.Errorf("subscribe: %w", err)
	}

	go c.readLoop(conn, done)
	return nil
}

// Close drops the connection. The supervisor, if running, will redial; use
// context cancellation to stop it for good.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// LockCell requests exclusive edit rights on a cell. Rejection arrives via
// OnLockRejected. While disconnected this is a no-op.
func (c *Client) LockCell(cellID string) {
	c.send(Frame{Type: TypeLockCell, CellID: cellID})
}

// UnlockCell releases a lock this client holds. While disconnected this is a
// no-op; the server releases held locks on disconnect anyway.
func (c *Client) UnlockCell(cellID string) {
	c.send(Frame{Type: TypeUnlockCell, CellID: cellID})
}

// UpdateCell commits a new value for a cell. The result comes back as either
// a cell_update broadcast or an error frame. While disconnected this is a
// no-op.
func (c *Client) UpdateCell(cellID, rowID, value string) {
	c.send(Frame{Type: TypeCellUpdate, CellID: cellID, RowID: rowID, Value: value})
}

func (c *Client) send(f Frame) {
	if c.State() != StateOpen {
		c.logger.Debug("dropping frame, not connected", "type", f.Type)
		return
	}
	if err := c.write(f); err != nil {
		c.logger.Warn("write failed", "type", f.Type, "error", err)
	}
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("malformed server frame", "error", err)
		return
	}

	switch f.Type {
	case TypeSubscribed:
		c.cache.ReplaceLocks(f.Locks)
		c.refetch()
		c.notifyChange()
	case TypeCellUpdate:
		if err := c.cache.ApplyUpdate(f.CellID, f.Value, f.EditorID, f.Timestamp); err != nil {
			c.logger.Info("cache stale, refetching", "cell_id", f.CellID)
			c.refetch()
		}
		c.notifyChange()
	case TypeCellLocked:
		c.cache.ApplyLock(f.CellID, f.UserID)
		c.notifyChange()
	case TypeCellUnlocked:
		c.cache.ApplyUnlock(f.CellID)
		c.notifyChange()
	case TypeLockRejected:
		if c.opts.OnLockRejected != nil {
			c.opts.OnLockRejected(f.CellID, f.LockedBy)
		}
	case TypeError:
		c.logger.Warn("server error", "code", f.Code, "message", f.Reason, "cell_id", f.CellID)
		if c.opts.OnError != nil {
			c.opts.OnError(f.Code, f.Reason, f.CellID)
		}
	default:
		c.logger.Debug("ignoring unknown frame type", "type", f.Type)
	}
}

// refetch reloads the full document in the background. At most one reload
// runs at a time; bursts of stale updates collapse into it.
func (c *Client) refetch() {
	if c.opts.Loader == nil {
		return
	}
	if !c.refetching.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refetching.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rows, err := c.opts.Loader.Load(ctx, c.opts.DocumentID)
		if err != nil {
			c.logger.Error("document reload failed", "document_id", c.opts.DocumentID, "error", err)
			return
		}
		c.cache.Replace(rows)
		c.notifyChange()
	}()
}

func (c *Client) notifyChange() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
