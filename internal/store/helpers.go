package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PackPipe/internal/util"
)

const jobColumns = `id, owner_id, destination, kind, status, payload_json, result_json, error, created_at, updated_at, claimed_at, expires_at, notified_at`

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// connectTimeout bounds the initial ping of a database.
const connectTimeout = 10 * time.Second

// openMigrated opens driver/dsn, lets configure tune the pool, pings and
// applies the embedded migrations. The handle is closed on any failure.
func openMigrated(driver, dsn, migrations string, configure func(*sql.DB) error) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	fail := func(err error) (*sql.DB, error) {
		slog.Error("store.openMigrated: failed", "driver", driver, "error", err)
		db.Close()
		return nil, err
	}
	if err := configure(db); err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping %s: %w", driver, err))
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return fail(fmt.Errorf("failed to run migrations: %w", err))
	}
	slog.Debug("store.openMigrated: migrations applied", "driver", driver)
	return db, nil
}

func closeDB(driver string, db *sql.DB) error {
	slog.Debug("store.closeDB: closing database connection", "driver", driver)
	if err := db.Close(); err != nil {
		slog.Error("store.closeDB: close failed", "driver", driver, "error", err)
		return err
	}
	return nil
}

func newJobID() string {
	return util.GenerateRandomID("job_", 32)
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a Job selected with jobColumns.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, resultJSON, errMsg sql.NullString
	var claimedAt, notifiedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Destination, &j.Kind, &j.Status, &payloadJSON, &resultJSON, &errMsg,
		&j.CreatedAt, &j.UpdatedAt, &claimedAt, &j.ExpiresAt, &notifiedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.ResultJSON = resultJSON.String
	j.Error = errMsg.String
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.Time
	}
	if notifiedAt.Valid {
		j.NotifiedAt = &notifiedAt.Time
	}
	return j, nil
}

// collectJobs drains rows into a slice.
func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows iteration failed: %w", err)
	}
	return jobs, nil
}

// scanOutboxMessage scans an OutboxMessage selected with outboxColumns.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// collectOutbox drains rows into a slice.
func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows iteration failed: %w", err)
	}
	return msgs, nil
}
