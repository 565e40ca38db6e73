package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

// sqliteBusyTimeoutMS bounds how long a statement waits for the write lock.
const sqliteBusyTimeoutMS = 5000

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists jobs, outbox messages and dedup records in SQLite.
type SQLiteStore struct {
	sqlRepo
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database file named by the DSN, which may carry a
// "file:" prefix and query parameters. Missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(sqliteFilePath(cfg.DSN))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := openMigrated("sqlite3", cfg.DSN, sqliteMigrations, func(db *sql.DB) error {
		// One connection serializes the processor, the outbox sender and the dispatcher.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMS)); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			slog.Warn("SQLiteStore.NewSQLiteStore: WAL unavailable, keeping default journal", "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: ready", "dir", dir)
	return &SQLiteStore{sqlRepo: newSQLRepo(db, "sqlite3")}, nil
}

// sqliteFilePath strips the "file:" scheme and query string from a DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.close()
}
