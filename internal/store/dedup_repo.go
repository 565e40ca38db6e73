package store

import (
	"time"
)

// DedupRecord is one remembered inbound message.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ActorID     string     `json:"actor_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound message IDs so redelivered events are dropped
// by the dispatcher.
type DedupRepo interface {
	IsDuplicate(messageID string) (bool, error)
	// RecordInbound reports false when messageID was already recorded.
	RecordInbound(messageID, actorID string) (bool, error)
	MarkProcessed(messageID string) error
	// PruneInbound forgets messages received before the cutoff.
	PruneInbound(before time.Time) (int, error)
}
