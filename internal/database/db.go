package database

import (
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn   *sql.DB
	logger hclog.Logger
}

type Config struct {
	Path string `mapstructure:"path"`
}

// NewDB opens the sqlite journal at config.Path and brings its schema up to
// date.
func NewDB(config Config, logger hclog.Logger) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	conn, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, logger: logger.Named("journal")}

	if err := NewMigrator(conn, db.logger).Run(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
