package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/store"
)

// EventHandler consumes inbound events. *flow.Flow implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) error
}

// Dispatcher feeds gateway events to a handler one at a time, dropping
// transport redeliveries recorded in the dedup store.
type Dispatcher struct {
	events  <-chan models.InboundEvent
	handler EventHandler
	dedup   store.DedupRepo
}

// NewDispatcher creates a dispatcher. dedup may be nil.
func NewDispatcher(events <-chan models.InboundEvent, handler EventHandler, dedup store.DedupRepo) *Dispatcher {
	return &Dispatcher{events: events, handler: handler, dedup: dedup}
}

// Run dispatches until ctx is cancelled or the event channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Debug("Dispatcher.Run: started")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Dispatcher.Run: context cancelled")
			return
		case ev, ok := <-d.events:
			if !ok {
				slog.Debug("Dispatcher.Run: event channel closed")
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles one event. Handler errors are logged and never stop
// the dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent) {
	actorID, msgID := ev.Actor(), ev.MessageID()
	if d.dedup != nil && msgID != "" {
		fresh, err := d.dedup.RecordInbound(msgID, actorID)
		if err != nil {
			slog.Warn("Dispatcher.Dispatch: dedup record failed, handling anyway", "actorID", actorID, "messageID", msgID, "error", err)
		} else if !fresh {
			slog.Debug("Dispatcher.Dispatch: duplicate dropped", "actorID", actorID, "messageID", msgID)
			return
		}
	}

	if err := d.handler.HandleEvent(ctx, ev); err != nil {
		slog.Error("Dispatcher.Dispatch: handler failed", "actorID", actorID, "messageID", msgID, "error", err)
	}

	if d.dedup != nil && msgID != "" {
		if err := d.dedup.MarkProcessed(msgID); err != nil {
			slog.Warn("Dispatcher.Dispatch: mark processed failed", "messageID", msgID, "error", err)
		}
	}
}
