package store

import (
	"database/sql"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Postgres connection pool limits.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists jobs, outbox messages and dedup records in PostgreSQL.
// Several PackPipe processes may share one database; job claims are
// conditional updates, so each job still runs once.
type PostgresStore struct {
	sqlRepo
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, applies migrations and returns the store.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	db, err := openMigrated("postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) error {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlRepo: newSQLRepo(db, "postgres")}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.close()
}
