package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/whatsapp"
)

// WhatsAppGateway implements Gateway using the Whatsmeow-based whatsapp client.
type WhatsAppGateway struct {
	client whatsapp.WhatsAppClient
	inbox  *inbox
	menus  *menus
}

var _ Gateway = (*WhatsAppGateway)(nil)

// NewWhatsAppGateway creates a gateway around the given client.
func NewWhatsAppGateway(client whatsapp.WhatsAppClient) *WhatsAppGateway {
	return &WhatsAppGateway{client: client, inbox: newInbox(), menus: newMenus()}
}

// Start subscribes to inbound messages.
func (g *WhatsAppGateway) Start(ctx context.Context) error {
	slog.Debug("WhatsAppGateway.Start: subscribing to inbound messages")
	g.client.Subscribe(g.handleInbound)
	return nil
}

// Stop disconnects the client and closes Events.
func (g *WhatsAppGateway) Stop() error {
	slog.Info("WhatsAppGateway.Stop: disconnecting")
	g.inbox.close()
	g.client.Disconnect()
	return nil
}

func (g *WhatsAppGateway) Events() <-chan models.InboundEvent {
	return g.inbox.events
}

func (g *WhatsAppGateway) handleInbound(in whatsapp.Inbound) {
	if ev := g.toEvent(in); ev != nil {
		g.inbox.emit(ev)
	}
}

func (g *WhatsAppGateway) toEvent(in whatsapp.Inbound) models.InboundEvent {
	switch {
	case in.From == "":
		return nil
	case in.FileRef != "":
		return models.FileUploaded{ActorID: in.From, MsgID: in.ID, FileRef: in.FileRef, MimeType: in.MimeType, FileName: in.FileName}
	case in.ButtonID != "":
		return models.CallbackReceived{ActorID: in.From, MsgID: in.ID, CallbackID: in.ID, Data: in.ButtonID}
	}
	if btn, ok := g.menus.resolve(in.From, in.Text); ok {
		slog.Debug("WhatsAppGateway.toEvent: numbered reply", "actorID", in.From, "button", btn.ID)
		return models.CallbackReceived{ActorID: in.From, MsgID: in.ID, CallbackID: in.ID, Data: btn.ID}
	}
	return models.TextReceived{ActorID: in.From, MsgID: in.ID, Text: in.Text}
}

// SendText sends text, rendering buttons as a numbered menu.
func (g *WhatsAppGateway) SendText(ctx context.Context, to, text string, buttons ...models.Button) error {
	if g.inbox.isStopped() {
		return ErrGatewayStopped
	}
	body := g.menus.render(to, text, buttons)
	if err := g.client.SendText(ctx, to, body); err != nil {
		slog.Error("WhatsAppGateway.SendText: send failed", "actorID", to, "error", err)
		return err
	}
	return nil
}

func (g *WhatsAppGateway) SendMedia(ctx context.Context, to string, media models.Media) error {
	if g.inbox.isStopped() {
		return ErrGatewayStopped
	}
	if err := g.client.SendMedia(ctx, to, media); err != nil {
		slog.Error("WhatsAppGateway.SendMedia: send failed", "actorID", to, "error", err)
		return err
	}
	return nil
}

// AcknowledgeCallback is a no-op; WhatsApp has no callback acknowledgement.
func (g *WhatsAppGateway) AcknowledgeCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (g *WhatsAppGateway) Download(ctx context.Context, fileRef, dstPath string) error {
	return g.client.Download(ctx, fileRef, dstPath)
}
