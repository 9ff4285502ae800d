// Package collab is the client SDK for the collaboration service: a websocket
// client with a local document cache and a reconnection supervisor.
package collab

import "time"

// Frame type values carried in the "type" field of every message.
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

// LockInfo is one held lock in a subscription snapshot.
type LockInfo struct {
	CellID string `json:"cellId"`
	UserID string `json:"userId"`
}

// Frame is a protocol message in either direction. Which fields are set
// depends on Type; unknown fields from newer servers are ignored.
type Frame struct {
	Type       string     `json:"type"`
	DocumentID string     `json:"documentId,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	UserName   string     `json:"userName,omitempty"`
	CellID     string     `json:"cellId,omitempty"`
	RowID      string     `json:"rowId,omitempty"`
	Value      string     `json:"value,omitempty"`
	EditorID   string     `json:"editorId,omitempty"`
	LockedBy   string     `json:"lockedBy,omitempty"`
	Code       string     `json:"code,omitempty"`
	Reason     string     `json:"message,omitempty"`
	Locks      []LockInfo `json:"locks,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitzero"`
}
