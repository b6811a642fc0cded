package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
)

const (
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond
)

// withRetry runs fn until it succeeds, fails permanently, or the attempt
// budget runs out. Exhaustion is reported as CodeUnavailable.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	return apperr.Wrap(apperr.CodeUnavailable, op+" unavailable", err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// deadlock, lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
