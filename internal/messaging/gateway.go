// Package messaging connects chat transports to the sticker flows.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// Constants for gateway configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrGatewayStopped is returned by sends after Stop.
var ErrGatewayStopped = errors.New("messaging gateway stopped")

// Gateway is a pluggable chat transport. Inbound messages arrive on Events
// as models.FileUploaded, models.TextReceived or models.CallbackReceived.
type Gateway interface {
	// Start begins inbound processing.
	Start(ctx context.Context) error
	// Stop releases the transport and closes Events.
	Stop() error
	// Events returns the inbound event channel.
	Events() <-chan models.InboundEvent

	SendText(ctx context.Context, to, text string, buttons ...models.Button) error
	SendMedia(ctx context.Context, to string, media models.Media) error
	AcknowledgeCallback(ctx context.Context, callbackID, text string) error
	// Download fetches an inbound file by the FileRef the gateway put on
	// its FileUploaded event.
	Download(ctx context.Context, fileRef, dstPath string) error
}

// inbox is the stop-safe inbound channel shared by gateways.
type inbox struct {
	mu      sync.RWMutex
	events  chan models.InboundEvent
	stopped bool
}

func newInbox() *inbox {
	return &inbox{events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

// emit delivers ev, dropping it if the consumer stays blocked for
// DefaultChannelTimeout. Redelivery by the transport recovers dropped events.
func (b *inbox) emit(ev models.InboundEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.events <- ev:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("inbox.emit: consumer blocked, event dropped", "actorID", ev.Actor(), "messageID", ev.MessageID())
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.events)
}
