package models

import "time"

// RoomStatus is the lifecycle position of a room. Transitions only move forward.
type RoomStatus string

const (
	RoomPending  RoomStatus = "pending"
	RoomActive   RoomStatus = "active"
	RoomLocked   RoomStatus = "locked"
	RoomClosed   RoomStatus = "closed"
	RoomArchived RoomStatus = "archived"
)

// Open reports whether participants may still talk in the room.
func (s RoomStatus) Open() bool {
	return s == RoomActive || s == RoomLocked
}

// CloseReason records why a room left the open states.
type CloseReason string

const (
	CloseDestroyed CloseReason = "destroyed"
	CloseExpired   CloseReason = "expired"
	CloseRejected  CloseReason = "participant_rejected"
	CloseAbandoned CloseReason = "abandoned"
)

const (
	// RoomTTL is measured from acceptance.
	RoomTTL = 24 * time.Hour

	RoomIDLength   = 4
	RoomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Room is a two-party chat room.
type Room struct {
	ID          string      `json:"room_id"`
	Status      RoomStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	ArchiveKey  string      `json:"archive_key,omitempty"`
}

// Expired reports whether the TTL has elapsed at now.
func (r *Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// TimeLeft is the remaining lifetime, zero once expired or before acceptance.
func (r *Room) TimeLeft(now time.Time) time.Duration {
	if r.ExpiresAt == nil {
		return 0
	}
	left := r.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// ValidRoomID reports whether id is exactly four characters of [A-Za-z0-9].
func ValidRoomID(id string) bool {
	if len(id) != RoomIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
