package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

// InsertAttachment records metadata for a pending upload.
func (s *Store) InsertAttachment(ctx context.Context, a *models.Attachment) error {
	err := withRetry(ctx, "insert attachment", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO attachments (id, room_id, object_key, mime_type, size_bytes, available, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RoomID, a.ObjectKey, a.MimeType, a.SizeBytes, false, a.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// GetAttachment loads an attachment scoped to its room.
func (s *Store) GetAttachment(ctx context.Context, roomID, attachmentID string) (*models.Attachment, error) {
	var (
		a         models.Attachment
		messageID sql.NullInt64
	)
	err := withRetry(ctx, "get attachment", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT id, room_id, message_id, object_key, mime_type, size_bytes, available, created_at
			 FROM attachments WHERE id = ? AND room_id = ?`, attachmentID, roomID,
		).Scan(&a.ID, &a.RoomID, &messageID, &a.ObjectKey, &a.MimeType, &a.SizeBytes, &a.Available, &a.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.CodeAttachmentNotFound, "attachment not found")
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	if messageID.Valid {
		id := messageID.Int64
		a.MessageID = &id
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// MarkAttachmentAvailable flips available once. It reports false when the
// attachment was already available.
func (s *Store) MarkAttachmentAvailable(ctx context.Context, roomID, attachmentID string) (bool, error) {
	return s.execCAS(ctx, "complete attachment",
		`UPDATE attachments SET available = ? WHERE id = ? AND room_id = ? AND available = ?`,
		true, attachmentID, roomID, false,
	)
}
