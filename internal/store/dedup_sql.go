package store

import (
	"fmt"
	"time"
)

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (r sqlRepo) IsDuplicate(messageID string) (bool, error) {
	var seen bool
	err := r.queryRow(`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = ?)`, messageID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("dedup lookup for %s: %w", messageID, err)
	}
	return seen, nil
}

// RecordInbound relies on the primary key: a second insert of the same
// message id affects no rows.
func (r sqlRepo) RecordInbound(messageID, actorID string) (bool, error) {
	res, err := r.exec(
		`INSERT INTO inbound_dedup (message_id, actor_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, actorID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	return affected(res) == 1, nil
}

func (r sqlRepo) MarkProcessed(messageID string) error {
	if _, err := r.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark %s processed: %w", messageID, err)
	}
	return nil
}

func (r sqlRepo) PruneInbound(before time.Time) (int, error) {
	res, err := r.exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune inbound dedup: %w", err)
	}
	return affected(res), nil
}
