package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

// Store is the relational persistence layer for rooms and their children.
// Status changes are compare-and-swap updates so that concurrent writers,
// in this process or another, can never move a room backwards.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func statusPlaceholders(statuses []models.RoomStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

const roomColumns = `room_id, status, created_at, accepted_at, expires_at, closed_at, close_reason, archive_key`

func scanRoom(row scanner) (*models.Room, error) {
	var (
		room                      models.Room
		status                    string
		accepted, expires, closed sql.NullTime
		closeReason, archiveKey   sql.NullString
	)
	if err := row.Scan(&room.ID, &status, &room.CreatedAt, &accepted, &expires, &closed, &closeReason, &archiveKey); err != nil {
		return nil, err
	}
	room.Status = models.RoomStatus(status)
	room.CreatedAt = room.CreatedAt.UTC()
	if accepted.Valid {
		t := accepted.Time.UTC()
		room.AcceptedAt = &t
	}
	if expires.Valid {
		t := expires.Time.UTC()
		room.ExpiresAt = &t
	}
	if closed.Valid {
		t := closed.Time.UTC()
		room.ClosedAt = &t
	}
	room.CloseReason = models.CloseReason(closeReason.String)
	room.ArchiveKey = archiveKey.String
	return &room, nil
}

// InsertRoom creates a pending room. A taken ID yields CodeRoomIDTaken.
func (s *Store) InsertRoom(ctx context.Context, roomID string, createdAt time.Time) error {
	err := withRetry(ctx, "insert room", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rooms (room_id, status, created_at) VALUES (?, ?, ?)`,
			roomID, string(models.RoomPending), createdAt,
		)
		return err
	})
	if err != nil {
		if isDuplicate(err) {
			return apperr.New(apperr.CodeRoomIDTaken, fmt.Sprintf("room id %s is already in use", roomID))
		}
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetRoom loads a room by ID.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room *models.Room
	err := withRetry(ctx, "get room", func() error {
		var err error
		room, err = scanRoom(s.db.QueryRowContext(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE room_id = ?`, roomID))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrRoomNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// AcceptRoom moves pending → active and registers the host in one transaction.
// It reports false when the room was not pending.
func (s *Store) AcceptRoom(ctx context.Context, roomID string, acceptedAt, expiresAt time.Time, host *models.Participant) (bool, error) {
	applied := false
	err := s.inTx(ctx, "accept room", func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx,
			`UPDATE rooms SET status = ?, accepted_at = ?, expires_at = ? WHERE room_id = ? AND status = ?`,
			string(models.RoomActive), acceptedAt, expiresAt, roomID, string(models.RoomPending),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if err := insertParticipant(ctx, tx, host); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapParticipantErr("accept room", err)
	}
	return applied, nil
}

// JoinRoom registers the guest and moves active → locked in one transaction.
// It reports false when the room was not active.
func (s *Store) JoinRoom(ctx context.Context, roomID string, guest *models.Participant) (bool, error) {
	applied := false
	err := s.inTx(ctx, "join room", func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx,
			`UPDATE rooms SET status = ? WHERE room_id = ? AND status = ?`,
			string(models.RoomLocked), roomID, string(models.RoomActive),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if err := insertParticipant(ctx, tx, guest); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapParticipantErr("join room", err)
	}
	return applied, nil
}

// CloseRoom moves a room in one of from to closed. It reports whether the
// update applied.
func (s *Store) CloseRoom(ctx context.Context, roomID string, reason models.CloseReason, closedAt time.Time, from ...models.RoomStatus) (bool, error) {
	marks, args := statusPlaceholders(from)
	query := `UPDATE rooms SET status = ?, closed_at = ?, close_reason = ? WHERE room_id = ? AND status IN (` + marks + `)`
	all := append([]any{string(models.RoomClosed), closedAt, string(reason), roomID}, args...)
	return s.execCAS(ctx, "close room", query, all...)
}

// ExpireRoom closes an open room whose expiry is at or before now.
func (s *Store) ExpireRoom(ctx context.Context, roomID string, now time.Time) (bool, error) {
	return s.execCAS(ctx, "expire room",
		`UPDATE rooms SET status = ?, closed_at = ?, close_reason = ?
		 WHERE room_id = ? AND status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(models.RoomClosed), now, string(models.CloseExpired), roomID,
		string(models.RoomActive), string(models.RoomLocked), now,
	)
}

// MarkArchived moves closed → archived and stores the archive reference.
func (s *Store) MarkArchived(ctx context.Context, roomID, archiveKey string) (bool, error) {
	return s.execCAS(ctx, "archive room",
		`UPDATE rooms SET status = ?, archive_key = ? WHERE room_id = ? AND status = ?`,
		string(models.RoomArchived), archiveKey, roomID, string(models.RoomClosed),
	)
}

// DeleteRoom removes a room and, by cascade, everything it owns.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return withRetry(ctx, "delete room", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID)
		return err
	})
}

// DeleteRoomIf removes a room only while it still has the given status and reason.
func (s *Store) DeleteRoomIf(ctx context.Context, roomID string, status models.RoomStatus, reason models.CloseReason) (bool, error) {
	return s.execCAS(ctx, "delete room",
		`DELETE FROM rooms WHERE room_id = ? AND status = ? AND close_reason = ?`,
		roomID, string(status), string(reason),
	)
}

func (s *Store) execCAS(ctx context.Context, op, query string, args ...any) (bool, error) {
	var affected int64
	err := withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected > 0, nil
}

// ListExpiredRooms returns open rooms whose TTL has elapsed at now.
func (s *Store) ListExpiredRooms(ctx context.Context, now time.Time) ([]string, error) {
	return s.listRoomIDs(ctx, "list expired rooms",
		`SELECT room_id FROM rooms WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at`,
		string(models.RoomActive), string(models.RoomLocked), now,
	)
}

// ListUnarchivedRooms returns closed rooms still waiting for archival.
func (s *Store) ListUnarchivedRooms(ctx context.Context) ([]string, error) {
	return s.listRoomIDs(ctx, "list unarchived rooms",
		`SELECT room_id FROM rooms WHERE status = ? AND (close_reason IS NULL OR close_reason <> ?) ORDER BY closed_at`,
		string(models.RoomClosed), string(models.CloseAbandoned),
	)
}

// ListAbandonedRooms returns pending rooms created before cutoff, plus
// reclaimed rooms whose row was not yet released.
func (s *Store) ListAbandonedRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.listRoomIDs(ctx, "list abandoned rooms",
		`SELECT room_id FROM rooms
		 WHERE (status = ? AND created_at <= ?) OR (status = ? AND close_reason = ?)
		 ORDER BY created_at`,
		string(models.RoomPending), cutoff, string(models.RoomClosed), string(models.CloseAbandoned),
	)
}

func (s *Store) listRoomIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	var ids []string
	err := withRetry(ctx, op, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
