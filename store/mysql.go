package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore implements the durable stores using MySQL.
type MySQLStore struct {
	*sqlStore
}

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name: "mysql",
	isDuplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
	},
}

// NewMySQL creates the schema on an open MySQL handle.
// The handle must be opened with parseTime=true and clientFoundRows=true,
// which NewMySQLFromDSN sets for you.
func NewMySQL(db *sql.DB) (*MySQLStore, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLStore{sqlStore: &sqlStore{db: db, d: mysqlDialect}}, nil
}

// NewMySQLFromDSN opens a MySQL store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: invalid DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}
	db := sql.OpenDB(connector)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db)
}

func createMySQLSchema(db *sql.DB) error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS sessions (
		id                 VARCHAR(64) PRIMARY KEY,
		user_id            VARCHAR(255) NOT NULL,
		token_hash         CHAR(64) NOT NULL,
		refresh_token_hash CHAR(64) NOT NULL DEFAULT '',
		device_ip          VARCHAR(45) NOT NULL DEFAULT '',
		device_ua          TEXT NOT NULL,
		browser            VARCHAR(100) NOT NULL DEFAULT '',
		os                 VARCHAR(100) NOT NULL DEFAULT '',
		device_type        VARCHAR(20) NOT NULL DEFAULT '',
		fingerprint        CHAR(64) NOT NULL DEFAULT '',
		loc_country        VARCHAR(100) NOT NULL DEFAULT '',
		loc_city           VARCHAR(100) NOT NULL DEFAULT '',
		loc_region         VARCHAR(100) NOT NULL DEFAULT '',
		loc_timezone       VARCHAR(64) NOT NULL DEFAULT '',
		loc_lat            DOUBLE NOT NULL DEFAULT 0,
		loc_lng            DOUBLE NOT NULL DEFAULT 0,
		is_trusted         BOOLEAN NOT NULL DEFAULT FALSE,
		is_active          BOOLEAN NOT NULL DEFAULT TRUE,
		remember_me        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         DATETIME(6) NOT NULL,
		last_activity      DATETIME(6) NOT NULL,
		expires_at         DATETIME(6) NOT NULL,

		UNIQUE KEY uq_sessions_token_hash (token_hash),
		INDEX idx_sessions_user_active (user_id, is_active, expires_at),
		INDEX idx_sessions_expires_at (expires_at),
		INDEX idx_sessions_last_activity (last_activity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
	CREATE TABLE IF NOT EXISTS users (
		id                      VARCHAR(255) PRIMARY KEY,
		email                   VARCHAR(255) NOT NULL DEFAULT '',
		name                    VARCHAR(255) NOT NULL DEFAULT '',
		phone                   VARCHAR(32) NOT NULL DEFAULT '',
		password_hash           VARCHAR(255) NOT NULL DEFAULT '',
		two_factor_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
		two_factor_method       VARCHAR(16) NOT NULL DEFAULT '',
		two_factor_secret       TEXT NOT NULL,
		two_factor_backup_codes TEXT NOT NULL,
		created_at              DATETIME(6) NOT NULL,
		updated_at              DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
	CREATE TABLE IF NOT EXISTS rate_limit_violations (
		id            VARCHAR(64) PRIMARY KEY,
		ip            VARCHAR(45) NOT NULL,
		endpoint      VARCHAR(512) NOT NULL,
		method        VARCHAR(16) NOT NULL,
		user_id       VARCHAR(255) NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL,
		policy        VARCHAR(64) NOT NULL DEFAULT '',
		request_count BIGINT NOT NULL,
		limit_count   BIGINT NOT NULL,
		window_ms     BIGINT NOT NULL,
		severity      VARCHAR(16) NOT NULL,
		blocked       BOOLEAN NOT NULL DEFAULT TRUE,
		whitelisted   BOOLEAN NOT NULL DEFAULT FALSE,
		resolved      BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by   VARCHAR(255) NOT NULL DEFAULT '',
		resolved_at   DATETIME(6) NULL DEFAULT NULL,
		notes         TEXT NOT NULL,
		created_at    DATETIME(6) NOT NULL,

		INDEX idx_violations_ip_created (ip, created_at),
		INDEX idx_violations_created (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
	CREATE TABLE IF NOT EXISTS ip_whitelist (
		id          VARCHAR(64) PRIMARY KEY,
		ip          VARCHAR(45) NOT NULL,
		description VARCHAR(512) NOT NULL DEFAULT '',
		added_by    VARCHAR(255) NOT NULL DEFAULT '',
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at  DATETIME(6) NULL DEFAULT NULL,
		created_at  DATETIME(6) NOT NULL,
		updated_at  DATETIME(6) NOT NULL,

		UNIQUE KEY uq_ip_whitelist_ip (ip)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("mysql: failed to create schema: %w", err)
		}
	}
	return nil
}
