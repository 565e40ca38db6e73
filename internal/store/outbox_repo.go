package store

import (
	"time"
)

// OutboxStatus is where an outbox message is in its delivery.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// Outbox message kinds understood by the sender.
const (
	OutboxKindText  = "text"
	OutboxKindMedia = "media"
)

// OutboxMessage is a durable outgoing reply to an actor.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies until the transport confirms them. Messages
// move queued -> sending -> sent, or back to queued on failure until
// MaxOutboxAttempts cancels them.
type OutboxRepo interface {
	// EnqueueOutboxMessage queues a reply. A non-empty dedupeKey that matches
	// an unfinished message returns that message's ID instead.
	EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves at most limit due messages to sending,
	// oldest first.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(id string) error
	// FailOutboxMessage counts an attempt and schedules the next one.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error
	// RequeueStaleSendingMessages returns messages locked before staleBefore
	// to the queue. A crash between claim and send leaves such rows behind.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
	// DeleteFinishedOutboxMessages drops sent and canceled rows not touched
	// since before.
	DeleteFinishedOutboxMessages(before time.Time) (int, error)
}

// MaxOutboxAttempts bounds delivery retries of a single message.
const MaxOutboxAttempts = 5
