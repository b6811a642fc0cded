package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

// InsertMessage appends an encrypted message. Image messages claim their
// attachment in the same transaction; an attachment that is missing, not
// yet available, or already cited fails the insert.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	err := s.inTx(ctx, "insert message", func(tx *sql.Tx) error {
		var attachmentID any
		if msg.AttachmentID != "" {
			attachmentID = msg.AttachmentID
		}
		var participantID any
		if msg.ParticipantID != nil {
			participantID = *msg.ParticipantID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (room_id, participant_id, created_at, ciphertext, nonce, tag, msg_type, attachment_id, ip_address)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.RoomID, participantID, msg.CreatedAt, msg.Ciphertext, msg.Nonce, msg.Tag,
			string(msg.MsgType), attachmentID, msg.IPAddress,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if msg.MsgType == models.MessageImage {
			res, err := tx.ExecContext(ctx,
				`UPDATE attachments SET message_id = ?
				 WHERE id = ? AND room_id = ? AND available = ? AND message_id IS NULL`,
				id, msg.AttachmentID, msg.RoomID, true,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return apperr.New(apperr.CodeAttachmentUnavailable, "attachment is not available")
			}
		}
		msg.ID = id
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeUnknown {
			return err
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, room_id, participant_id, created_at, ciphertext, nonce, tag, msg_type, attachment_id, ip_address`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg           models.Message
		participantID sql.NullInt64
		msgType       string
		attachmentID  sql.NullString
		ip            sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &participantID, &msg.CreatedAt, &msg.Ciphertext, &msg.Nonce, &msg.Tag,
		&msgType, &attachmentID, &ip); err != nil {
		return nil, err
	}
	if participantID.Valid {
		id := participantID.Int64
		msg.ParticipantID = &id
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.MsgType = models.MessageType(msgType)
	msg.AttachmentID = attachmentID.String
	msg.IPAddress = ip.String
	return &msg, nil
}

// ListMessages returns messages with id > afterID in write order. A limit of
// zero or less returns everything.
func (s *Store) ListMessages(ctx context.Context, roomID string, afterID int64, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ? AND id > ? ORDER BY id`
	args := []any{roomID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var list []*models.Message
	err := withRetry(ctx, "list messages", func() error {
		list = list[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				return err
			}
			list = append(list, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return list, nil
}
