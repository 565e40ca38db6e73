// Package store provides the durable backends of PackPipe: the job queue, the
// outbox of pending replies and inbound message deduplication. SQLite and
// PostgreSQL implementations share one schema; InMemoryStore is the
// process-lifetime fallback used when no database can be opened.
package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Opts holds configuration options for the database-backed stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// Store is the full persistence surface used by the service.
type Store interface {
	JobRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens the database store described by opts. An empty DSN yields an
// InMemoryStore.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// OpenWithFallback opens the configured store and falls back to an
// InMemoryStore when the database cannot be opened. The returned bool is true
// when the store is durable.
func OpenWithFallback(opts ...Option) (Store, bool) {
	s, err := Open(opts...)
	if err != nil {
		slog.Warn("store.OpenWithFallback: database unavailable, jobs will not survive a restart", "error", err)
		return NewInMemoryStore(), false
	}
	_, inMemory := s.(*InMemoryStore)
	return s, !inMemory
}
