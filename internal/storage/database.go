package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/PeeBee66/chittychattychat/internal/config"
)

// Open connects to the configured database driver.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", sqliteDSN(dbCfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection keeps :memory: databases alive and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", mysqlDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time, and
// clientFoundRows so RowsAffected counts matched rows like sqlite does.
func mysqlDSN(dsn string) string {
	for _, param := range []string{"parseTime=true", "clientFoundRows=true"} {
		name := param[:strings.IndexByte(param, '=')]
		if strings.Contains(dsn, name+"=") {
			continue
		}
		switch {
		case strings.HasSuffix(dsn, "?"), strings.HasSuffix(dsn, "&"):
			dsn += param
		case strings.Contains(dsn, "?"):
			dsn += "&" + param
		default:
			dsn += "?" + param
		}
	}
	return dsn
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS rooms (
				room_id TEXT NOT NULL PRIMARY KEY,
				status TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				accepted_at DATETIME,
				expires_at DATETIME,
				closed_at DATETIME,
				close_reason TEXT,
				archive_key TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_rooms_status_expiry ON rooms(status, expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_rooms_status_created ON rooms(status, created_at)`,
			`CREATE TABLE IF NOT EXISTS room_keys (
				room_id TEXT NOT NULL PRIMARY KEY,
				wrapped_key BLOB NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS participants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				room_id TEXT NOT NULL,
				role TEXT NOT NULL,
				device_id TEXT NOT NULL,
				display_name TEXT,
				ip_address TEXT,
				joined_at DATETIME NOT NULL,
				connected BOOLEAN NOT NULL DEFAULT 0,
				UNIQUE(room_id, role),
				UNIQUE(room_id, device_id),
				FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				room_id TEXT NOT NULL,
				participant_id INTEGER,
				created_at DATETIME NOT NULL,
				ciphertext BLOB NOT NULL,
				nonce BLOB NOT NULL,
				tag BLOB NOT NULL,
				msg_type TEXT NOT NULL,
				attachment_id TEXT,
				ip_address TEXT,
				FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE,
				FOREIGN KEY(participant_id) REFERENCES participants(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id TEXT NOT NULL PRIMARY KEY,
				room_id TEXT NOT NULL,
				message_id INTEGER,
				object_key TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size_bytes INTEGER NOT NULL,
				available BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE,
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_room ON attachments(room_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS rooms (
				room_id VARCHAR(4) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
				status VARCHAR(16) NOT NULL,
				created_at DATETIME(3) NOT NULL,
				accepted_at DATETIME(3) NULL,
				expires_at DATETIME(3) NULL,
				closed_at DATETIME(3) NULL,
				close_reason VARCHAR(32) NULL,
				archive_key VARCHAR(255) NULL,
				PRIMARY KEY (room_id),
				INDEX idx_rooms_status_expiry (status, expires_at),
				INDEX idx_rooms_status_created (status, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS room_keys (
				room_id VARCHAR(4) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
				wrapped_key VARBINARY(128) NOT NULL,
				created_at DATETIME(3) NOT NULL,
				PRIMARY KEY (room_id),
				CONSTRAINT fk_room_keys_room FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS participants (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				room_id VARCHAR(4) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
				role VARCHAR(16) NOT NULL,
				device_id VARCHAR(128) NOT NULL,
				display_name VARCHAR(64) NULL,
				ip_address VARCHAR(64) NULL,
				joined_at DATETIME(3) NOT NULL,
				connected BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_participant_role (room_id, role),
				UNIQUE KEY uniq_participant_device (room_id, device_id),
				CONSTRAINT fk_participants_room FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				room_id VARCHAR(4) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
				participant_id BIGINT UNSIGNED NULL,
				created_at DATETIME(3) NOT NULL,
				ciphertext MEDIUMBLOB NOT NULL,
				nonce VARBINARY(12) NOT NULL,
				tag VARBINARY(16) NOT NULL,
				msg_type VARCHAR(16) NOT NULL,
				attachment_id VARCHAR(36) NULL,
				ip_address VARCHAR(64) NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_room (room_id, id),
				CONSTRAINT fk_messages_room FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE,
				CONSTRAINT fk_messages_participant FOREIGN KEY (participant_id) REFERENCES participants(id) ON DELETE SET NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id VARCHAR(36) NOT NULL,
				room_id VARCHAR(4) CHARACTER SET ascii COLLATE ascii_bin NOT NULL,
				message_id BIGINT UNSIGNED NULL,
				object_key VARCHAR(512) NOT NULL,
				mime_type VARCHAR(64) NOT NULL,
				size_bytes BIGINT NOT NULL,
				available BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(3) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_attachments_room (room_id),
				CONSTRAINT fk_attachments_room FOREIGN KEY (room_id) REFERENCES rooms(room_id) ON DELETE CASCADE,
				CONSTRAINT fk_attachments_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE SET NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
