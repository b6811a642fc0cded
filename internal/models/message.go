package models

import (
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

const (
	NonceSize = 12
	TagSize   = 16

	MaxCiphertextBytes = 64 << 10
)

// Envelope is the wire form of an encrypted message. Byte fields travel as
// base64 in JSON.
type Envelope struct {
	Ciphertext   []byte      `json:"ciphertext"`
	Nonce        []byte      `json:"nonce"`
	Tag          []byte      `json:"tag"`
	MsgType      MessageType `json:"msg_type"`
	AttachmentID string      `json:"attachment_id,omitempty"`
}

// Validate checks sizes and the type/attachment pairing.
func (e *Envelope) Validate() error {
	if len(e.Ciphertext) == 0 {
		return apperr.New(apperr.CodeInvalidArgument, "ciphertext is required")
	}
	if len(e.Ciphertext) > MaxCiphertextBytes {
		return apperr.New(apperr.CodeInvalidArgument, "ciphertext too large")
	}
	if len(e.Nonce) != NonceSize {
		return apperr.New(apperr.CodeInvalidArgument, "nonce must be 12 bytes")
	}
	if len(e.Tag) != TagSize {
		return apperr.New(apperr.CodeInvalidArgument, "tag must be 16 bytes")
	}
	switch e.MsgType {
	case MessageText:
		if e.AttachmentID != "" {
			return apperr.New(apperr.CodeInvalidArgument, "text messages cannot cite attachments")
		}
	case MessageImage:
		if e.AttachmentID == "" {
			return apperr.New(apperr.CodeInvalidArgument, "image messages require attachment_id")
		}
	default:
		return apperr.New(apperr.CodeInvalidArgument, "msg_type must be text or image")
	}
	return nil
}

// Message is an append-only, still-encrypted chat entry.
type Message struct {
	ID            int64     `json:"id"`
	RoomID        string    `json:"room_id"`
	ParticipantID *int64    `json:"participant_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	IPAddress     string    `json:"-"`
	Envelope
}
