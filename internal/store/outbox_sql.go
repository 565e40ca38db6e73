package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PackPipe/internal/util"
)

var (
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

// finishedOutbox lists the terminal outbox statuses as a SQL set.
const finishedOutbox = `('sent', 'canceled')`

func (r sqlRepo) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := r.queryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN `+finishedOutbox,
			dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("sqlRepo.EnqueueOutboxMessage: pending message already queued", "driver", r.driver, "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("look up outbox key %s: %w", dedupeKey, err)
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := r.exec(
		`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert outbox message for %s: %w", recipient, err)
	}
	slog.Debug("sqlRepo.EnqueueOutboxMessage: queued", "driver", r.driver, "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages uses SKIP LOCKED on Postgres so concurrent senders
// never share a row. SQLite has a single writer, so a select followed by
// conditional updates is enough there.
func (r sqlRepo) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	const due = `status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`
	if r.postgres() {
		rows, err := r.query(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			 WHERE id IN (SELECT id FROM outbox_messages WHERE `+due+`
			              ORDER BY created_at, id LIMIT ? FOR UPDATE SKIP LOCKED)
			 RETURNING `+outboxColumns,
			now, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox messages: %w", err)
		}
		return collectOutbox(rows)
	}

	rows, err := r.query(`SELECT `+outboxColumns+` FROM outbox_messages WHERE `+due+` ORDER BY created_at, id LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbox messages: %w", err)
	}
	candidates, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}
	claimed := candidates[:0]
	for _, m := range candidates {
		res, err := r.exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, m.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox message %s: %w", m.ID, err)
		}
		if affected(res) != 1 {
			continue
		}
		lockedAt := now
		m.Status, m.LockedAt, m.UpdatedAt = OutboxStatusSending, &lockedAt, now
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (r sqlRepo) MarkOutboxMessageSent(id string) error {
	_, err := r.exec(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark outbox message %s sent: %w", id, err)
	}
	return nil
}

// FailOutboxMessage cancels the message once it reaches MaxOutboxAttempts.
func (r sqlRepo) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.exec(
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 >= ? THEN 'canceled' ELSE 'queued' END,
		     last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		MaxOutboxAttempts, errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("record outbox failure for %s: %w", id, err)
	}
	return nil
}

func (r sqlRepo) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := r.exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n := affected(res)
	if n > 0 {
		slog.Info("sqlRepo.RequeueStaleSendingMessages: requeued", "driver", r.driver, "count", n)
	}
	return n, nil
}

func (r sqlRepo) DeleteFinishedOutboxMessages(before time.Time) (int, error) {
	res, err := r.exec(`DELETE FROM outbox_messages WHERE status IN `+finishedOutbox+` AND updated_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished outbox messages: %w", err)
	}
	return affected(res), nil
}
