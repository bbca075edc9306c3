package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements the durable stores using SQLite.
// It uses the pure Go modernc.org/sqlite driver.
type SQLiteStore struct {
	*sqlStore
}

var sqliteDialect = dialect{
	name: "sqlite",
	isDuplicate: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case code&0xff == sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(se.Error(), "UNIQUE")
		}
		return false
	},
}

// NewSQLite opens (creating if needed) a SQLite database and its schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=busy_timeout(5000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{sqlStore: &sqlStore{db: db, d: sqliteDialect}}, nil
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		token_hash         TEXT NOT NULL UNIQUE,
		refresh_token_hash TEXT NOT NULL DEFAULT '',
		device_ip          TEXT NOT NULL DEFAULT '',
		device_ua          TEXT NOT NULL DEFAULT '',
		browser            TEXT NOT NULL DEFAULT '',
		os                 TEXT NOT NULL DEFAULT '',
		device_type        TEXT NOT NULL DEFAULT '',
		fingerprint        TEXT NOT NULL DEFAULT '',
		loc_country        TEXT NOT NULL DEFAULT '',
		loc_city           TEXT NOT NULL DEFAULT '',
		loc_region         TEXT NOT NULL DEFAULT '',
		loc_timezone       TEXT NOT NULL DEFAULT '',
		loc_lat            REAL NOT NULL DEFAULT 0,
		loc_lng            REAL NOT NULL DEFAULT 0,
		is_trusted         BOOLEAN NOT NULL DEFAULT 0,
		is_active          BOOLEAN NOT NULL DEFAULT 1,
		remember_me        BOOLEAN NOT NULL DEFAULT 0,
		created_at         DATETIME NOT NULL,
		last_activity      DATETIME NOT NULL,
		expires_at         DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_active
		ON sessions (user_id, is_active, expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity);

	CREATE TABLE IF NOT EXISTS users (
		id                      TEXT PRIMARY KEY,
		email                   TEXT NOT NULL DEFAULT '',
		name                    TEXT NOT NULL DEFAULT '',
		phone                   TEXT NOT NULL DEFAULT '',
		password_hash           TEXT NOT NULL DEFAULT '',
		two_factor_enabled      BOOLEAN NOT NULL DEFAULT 0,
		two_factor_method       TEXT NOT NULL DEFAULT '',
		two_factor_secret       TEXT NOT NULL DEFAULT '',
		two_factor_backup_codes TEXT NOT NULL DEFAULT '[]',
		created_at              DATETIME NOT NULL,
		updated_at              DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limit_violations (
		id            TEXT PRIMARY KEY,
		ip            TEXT NOT NULL,
		endpoint      TEXT NOT NULL,
		method        TEXT NOT NULL,
		user_id       TEXT NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL DEFAULT '',
		policy        TEXT NOT NULL DEFAULT '',
		request_count INTEGER NOT NULL,
		limit_count   INTEGER NOT NULL,
		window_ms     INTEGER NOT NULL,
		severity      TEXT NOT NULL,
		blocked       BOOLEAN NOT NULL DEFAULT 1,
		whitelisted   BOOLEAN NOT NULL DEFAULT 0,
		resolved      BOOLEAN NOT NULL DEFAULT 0,
		resolved_by   TEXT NOT NULL DEFAULT '',
		resolved_at   DATETIME,
		notes         TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_violations_ip_created ON rate_limit_violations (ip, created_at);
	CREATE INDEX IF NOT EXISTS idx_violations_created ON rate_limit_violations (created_at);

	CREATE TABLE IF NOT EXISTS ip_whitelist (
		id          TEXT PRIMARY KEY,
		ip          TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		added_by    TEXT NOT NULL DEFAULT '',
		is_active   BOOLEAN NOT NULL DEFAULT 1,
		expires_at  DATETIME,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}
