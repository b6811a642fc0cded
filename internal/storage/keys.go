package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
)

// PutWrappedKey stores the wrapped room key. Keys are never replaced.
func (s *Store) PutWrappedKey(ctx context.Context, roomID string, wrapped []byte, createdAt time.Time) error {
	err := withRetry(ctx, "put room key", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO room_keys (room_id, wrapped_key, created_at) VALUES (?, ?, ?)`,
			roomID, wrapped, createdAt,
		)
		return err
	})
	if err != nil {
		if isDuplicate(err) {
			return apperr.New(apperr.CodeInvalidTransition, "room key already minted")
		}
		return fmt.Errorf("put room key: %w", err)
	}
	return nil
}

// GetWrappedKey loads the wrapped room key.
func (s *Store) GetWrappedKey(ctx context.Context, roomID string) ([]byte, error) {
	var wrapped []byte
	err := withRetry(ctx, "get room key", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT wrapped_key FROM room_keys WHERE room_id = ?`, roomID,
		).Scan(&wrapped)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrKeyNotFound
		}
		return nil, fmt.Errorf("get room key: %w", err)
	}
	return wrapped, nil
}
