package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

// Frame is the single wire shape for every relay event.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	TypeChatSend       = "chat.send"
	TypeVerifyAnnounce = "verify.announce"
	TypeVerifyRespond  = "verify.respond"
	TypeRoomDestroy    = "room.destroy"
	TypePing           = "ping"
)

// Outbound frame types.
const (
	TypeChatMessage     = "chat.message"
	TypeLifecycleTimer  = "lifecycle.timer"
	TypeLifecycleLocked = "lifecycle.locked"
	TypeLifecycleClosed = "lifecycle.closed"
	TypePresenceUpdate  = "presence.update"
	TypeVerifyAnnounced = "verify.announced"
	TypeVerifyAccepted  = "verify.accepted"
	TypeVerifyRejected  = "verify.rejected"
	TypePong            = "pong"
	TypeError           = "error"
)

type ChatMessagePayload struct {
	ID            int64       `json:"id"`
	ParticipantID int64       `json:"participant_id"`
	Role          models.Role `json:"role"`
	CreatedAt     time.Time   `json:"created_at"`
	models.Envelope
}

type TimerPayload struct {
	RoomID      string            `json:"room_id"`
	Status      models.RoomStatus `json:"status"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	SecondsLeft int64             `json:"seconds_left"`
}

type LockedPayload struct {
	RoomID string `json:"room_id"`
}

type ClosedPayload struct {
	RoomID string             `json:"room_id"`
	Reason models.CloseReason `json:"reason"`
}

type PresencePayload struct {
	Role      models.Role `json:"role"`
	Connected bool        `json:"connected"`
}

type AnnouncePayload struct {
	Name string `json:"name"`
}

type AnnouncedPayload struct {
	ParticipantID int64       `json:"participant_id"`
	Role          models.Role `json:"role"`
	Name          string      `json:"name"`
}

type RespondPayload struct {
	ParticipantID int64 `json:"participant_id"`
	Accepted      bool  `json:"accepted"`
}

type VerdictPayload struct {
	ParticipantID int64       `json:"participant_id"`
	Role          models.Role `json:"role"`
	Name          string      `json:"name"`
	ByRole        models.Role `json:"by_role"`
}

type PongPayload struct {
	ServerTime time.Time `json:"server_time"`
}

type ErrorPayload struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func newFrame(frameType, requestID string, payload any) Frame {
	return Frame{Type: frameType, RequestID: requestID, Payload: mustJSON(payload)}
}

func errorFrame(requestID string, err error) Frame {
	return newFrame(TypeError, requestID, ErrorPayload{Code: apperr.CodeOf(err), Message: apperr.Message(err)})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("relay: failed to marshal frame payload", "err", err)
		return nil
	}
	return b
}
