package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/PackPipe/internal/store"
)

// JobRecovery re-executes jobs a previous run left in processing and
// re-notifies terminal jobs that were never delivered.
func JobRecovery(p *store.JobProcessor) Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		if err := p.Recover(ctx); err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		return nil
	})
}

// OutboxRecovery returns messages stuck in sending to the queue.
func OutboxRecovery(s *store.OutboxSender) Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		if err := s.RecoverStaleMessages(); err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		return nil
	})
}

// DedupRecovery drops inbound dedup records older than retention so the
// table does not grow across restarts.
func DedupRecovery(retention time.Duration) Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		n, err := registry.GetStore().PruneInbound(registry.StartedAt().Add(-retention))
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		registry.Report("dedup_pruned", n)
		return nil
	})
}
