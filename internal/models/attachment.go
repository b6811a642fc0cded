package models

import "time"

const MaxAttachmentBytes = 10 << 20

// AttachmentTypes lists accepted MIME types with their file extension.
var AttachmentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Attachment is metadata for a blob uploaded out of band.
type Attachment struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	MessageID *int64    `json:"message_id,omitempty"`
	ObjectKey string    `json:"object_key"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"created_at"`
}
