package models

import "time"

// Role is one of the two seats in a room.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// Counterpart returns the other seat.
func (r Role) Counterpart() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Participant binds a role in a room to a client device.
type Participant struct {
	ID          int64     `json:"id"`
	RoomID      string    `json:"room_id"`
	Role        Role      `json:"role"`
	DeviceID    string    `json:"-"`
	DisplayName string    `json:"display_name,omitempty"`
	IPAddress   string    `json:"-"`
	JoinedAt    time.Time `json:"joined_at"`
	Connected   bool      `json:"connected"`
}
