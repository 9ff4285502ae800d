// Package protocol defines the JSON messages exchanged over a collaboration
// socket and their codec. The message set is closed on the server side but
// open on the wire: unknown fields are ignored, and an unrecognized type is a
// per-message condition, never a connection failure.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message type values carried in the "type" field of every frame.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeLockCell     = "lock_cell"
	TypeUnlockCell   = "unlock_cell"
	TypeCellUpdate   = "cell_update"
	TypeSubscribed   = "subscribed"
	TypeCellLocked   = "cell_locked"
	TypeCellUnlocked = "cell_unlocked"
	TypeLockRejected = "lock_rejected"
	TypeError        = "error"
)

// ErrUnknownType reports a frame whose type field names no known message.
// Callers log and drop the frame to stay forward compatible.
var ErrUnknownType = errors.New("unknown message type")

// Message is any decoded protocol frame.
type Message interface {
	Kind() string
}

// --- Client → server ---

// Subscribe binds the connection to a document. A connection subscribed to
// another document is implicitly unsubscribed from it first.
type Subscribe struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
}

func (Subscribe) Kind() string { return TypeSubscribe }

// Unsubscribe releases the connection's document binding.
type Unsubscribe struct {
	Type string `json:"type"`
}

func (Unsubscribe) Kind() string { return TypeUnsubscribe }

// LockCell requests exclusive edit rights on one cell.
type LockCell struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
}

func (LockCell) Kind() string { return TypeLockCell }

// UnlockCell releases a lock the sender holds. Releasing a cell the sender
// does not hold is a no-op.
type UnlockCell struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
}

func (UnlockCell) Kind() string { return TypeUnlockCell }

// CellUpdate is both the commit request and its broadcast form. Inbound, only
// cellId, rowId and value are honored; the server fills editorId and
// timestamp from the session before broadcasting.
type CellUpdate struct {
	Type      string    `json:"type"`
	CellID    string    `json:"cellId"`
	RowID     string    `json:"rowId"`
	Value     string    `json:"value"`
	EditorID  string    `json:"editorId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (CellUpdate) Kind() string { return TypeCellUpdate }

// --- Server → client ---

// Lock is one held lock in a subscription snapshot.
type Lock struct {
	CellID string `json:"cellId"`
	UserID string `json:"userId"`
}

// Subscribed acknowledges a subscription and replays the full lock state of
// the document. It is authoritative: clients overwrite, never merge.
type Subscribed struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Locks      []Lock `json:"locks"`
}

func (Subscribed) Kind() string { return TypeSubscribed }

// CellLocked tells every subscriber, the new holder included, that a cell is
// now held.
type CellLocked struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
	UserID string `json:"userId"`
}

func (CellLocked) Kind() string { return TypeCellLocked }

// CellUnlocked tells every subscriber a cell is free again.
type CellUnlocked struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
}

func (CellUnlocked) Kind() string { return TypeCellUnlocked }

// LockRejected is unicast to a requester whose lock attempt lost arbitration.
// Contention is information, not an error.
type LockRejected struct {
	Type     string `json:"type"`
	CellID   string `json:"cellId"`
	LockedBy string `json:"lockedBy"`
}

func (LockRejected) Kind() string { return TypeLockRejected }

// Error is unicast to the author of a request that failed server-side, most
// commonly a persistence failure on commit.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	CellID  string `json:"cellId,omitempty"`
}

func (Error) Kind() string { return TypeError }

// Error codes.
const (
	CodeNotSubscribed  = "not_subscribed"
	CodeInvalidRequest = "invalid_request"
	CodeSaveFailed     = "save_failed"
)

// envelope is the first-pass decode used to route on the type field.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame. It returns ErrUnknownType for a
// well-formed frame of unknown kind, or a wrapped unmarshal error for a
// malformed one; both terminate only the message, not the connection.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeSubscribe:
		msg = &Subscribe{}
	case TypeUnsubscribe:
		msg = &Unsubscribe{}
	case TypeLockCell:
		msg = &LockCell{}
	case TypeUnlockCell:
		msg = &UnlockCell{}
	case TypeCellUpdate:
		msg = &CellUpdate{}
	case TypeSubscribed:
		msg = &Subscribed{}
	case TypeCellLocked:
		msg = &CellLocked{}
	case TypeCellUnlocked:
		msg = &CellUnlocked{}
	case TypeLockRejected:
		msg = &LockRejected{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Encode serializes a message, stamping its type field so callers cannot send
// a frame that disagrees with its Go type.
func Encode(msg Message) ([]byte, error) {
	stampType(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

func stampType(msg Message) {
	switch m := msg.(type) {
	case *Subscribe:
		m.Type = TypeSubscribe
	case *Unsubscribe:
		m.Type = TypeUnsubscribe
	case *LockCell:
		m.Type = TypeLockCell
	case *UnlockCell:
		m.Type = TypeUnlockCell
	case *CellUpdate:
		m.Type = TypeCellUpdate
	case *Subscribed:
		m.Type = TypeSubscribed
	case *CellLocked:
		m.Type = TypeCellLocked
	case *CellUnlocked:
		m.Type = TypeCellUnlocked
	case *LockRejected:
		m.Type = TypeLockRejected
	case *Error:
		m.Type = TypeError
	}
}
