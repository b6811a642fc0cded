package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const participantColumns = `id, room_id, role, device_id, display_name, ip_address, joined_at, connected`

func insertParticipant(ctx context.Context, ex execer, p *models.Participant) error {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO participants (room_id, role, device_id, ip_address, joined_at, connected) VALUES (?, ?, ?, ?, ?, ?)`,
		p.RoomID, string(p.Role), p.DeviceID, p.IPAddress, p.JoinedAt, false,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func wrapParticipantErr(op string, err error) error {
	if isDuplicate(err) {
		return apperr.Wrap(apperr.CodeRoleFilled, "role or device already bound in this room", err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanParticipant(row scanner) (*models.Participant, error) {
	var (
		p           models.Participant
		role        string
		displayName sql.NullString
		ip          sql.NullString
	)
	if err := row.Scan(&p.ID, &p.RoomID, &role, &p.DeviceID, &displayName, &ip, &p.JoinedAt, &p.Connected); err != nil {
		return nil, err
	}
	p.Role = models.Role(role)
	p.DisplayName = displayName.String
	p.IPAddress = ip.String
	p.JoinedAt = p.JoinedAt.UTC()
	return &p, nil
}

func (s *Store) getParticipant(ctx context.Context, query string, args ...any) (*models.Participant, error) {
	var p *models.Participant
	err := withRetry(ctx, "get participant", func() error {
		var err error
		p, err = scanParticipant(s.db.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.CodeParticipantNotFound, "participant not found")
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// GetParticipant loads a participant scoped to its room.
func (s *Store) GetParticipant(ctx context.Context, roomID string, participantID int64) (*models.Participant, error) {
	return s.getParticipant(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ? AND room_id = ?`, participantID, roomID)
}

// GetParticipantByRole returns the participant occupying role, or
// CodeParticipantNotFound when the seat is empty.
func (s *Store) GetParticipantByRole(ctx context.Context, roomID string, role models.Role) (*models.Participant, error) {
	return s.getParticipant(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND role = ?`, roomID, string(role))
}

// GetParticipantByDevice returns the participant bound to deviceID in the room.
func (s *Store) GetParticipantByDevice(ctx context.Context, roomID, deviceID string) (*models.Participant, error) {
	return s.getParticipant(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = ? AND device_id = ?`, roomID, deviceID)
}

// ListParticipants returns the room's participants in join order.
func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	var list []*models.Participant
	err := withRetry(ctx, "list participants", func() error {
		list = list[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+participantColumns+` FROM participants WHERE room_id = ? ORDER BY id`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanParticipant(rows)
			if err != nil {
				return err
			}
			list = append(list, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return list, nil
}

// SetDisplayName records the announced display name.
func (s *Store) SetDisplayName(ctx context.Context, roomID string, participantID int64, name string) error {
	ok, err := s.execCAS(ctx, "set display name",
		`UPDATE participants SET display_name = ? WHERE id = ? AND room_id = ?`, name, participantID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeParticipantNotFound, "participant not found")
	}
	return nil
}

// SetConnected records presence. It is best effort and ignores missing rows.
func (s *Store) SetConnected(ctx context.Context, participantID int64, connected bool) error {
	_, err := s.execCAS(ctx, "set connected",
		`UPDATE participants SET connected = ? WHERE id = ?`, connected, participantID)
	return err
}
