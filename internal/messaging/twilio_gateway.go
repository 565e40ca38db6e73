package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// ErrInvalidWebhook is returned for webhook payloads missing a sender or content.
var ErrInvalidWebhook = errors.New("invalid twilio webhook payload")

// TwilioGateway implements Gateway using the Twilio API. Inbound messages
// arrive through HandleWebhook; outbound media is published under MediaDir
// and referenced by URL.
type TwilioGateway struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	inbox     *inbox
	menus     *menus
	mediaDir  string
	publicURL string
}

var _ Gateway = (*TwilioGateway)(nil)

// NewTwilioGateway creates a gateway. mediaDir holds files served at
// publicURL + "/media/<name>".
func NewTwilioGateway(client twiliowhatsapp.TwilioWhatsAppSender, mediaDir, publicURL string) (*TwilioGateway, error) {
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &TwilioGateway{
		client:    client,
		inbox:     newInbox(),
		menus:     newMenus(),
		mediaDir:  mediaDir,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// MediaDir returns the directory whose files are served for outbound media.
func (g *TwilioGateway) MediaDir() string {
	return g.mediaDir
}

// Start is a no-op; inbound messages are pushed by the webhook.
func (g *TwilioGateway) Start(ctx context.Context) error {
	return nil
}

func (g *TwilioGateway) Stop() error {
	slog.Info("TwilioGateway.Stop: closing inbound events")
	g.inbox.close()
	return nil
}

func (g *TwilioGateway) Events() <-chan models.InboundEvent {
	return g.inbox.events
}

// HandleWebhook turns a Twilio inbound form into an event.
func (g *TwilioGateway) HandleWebhook(form url.Values) error {
	from := twiliowhatsapp.CanonicalNumber(form.Get("From"))
	msgID := form.Get("MessageSid")
	body := form.Get("Body")
	if from == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidWebhook)
	}
	if g.inbox.isStopped() {
		return ErrGatewayStopped
	}

	var ev models.InboundEvent
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	switch {
	case numMedia > 0 && form.Get("MediaUrl0") != "":
		ev = models.FileUploaded{ActorID: from, MsgID: msgID, FileRef: form.Get("MediaUrl0"), MimeType: form.Get("MediaContentType0")}
	case form.Get("ButtonPayload") != "":
		ev = models.CallbackReceived{ActorID: from, MsgID: msgID, CallbackID: msgID, Data: form.Get("ButtonPayload")}
	case body != "":
		if btn, ok := g.menus.resolve(from, body); ok {
			ev = models.CallbackReceived{ActorID: from, MsgID: msgID, CallbackID: msgID, Data: btn.ID}
		} else {
			ev = models.TextReceived{ActorID: from, MsgID: msgID, Text: body}
		}
	default:
		return fmt.Errorf("%w: no body or media", ErrInvalidWebhook)
	}

	slog.Debug("TwilioGateway.HandleWebhook: inbound event", "actorID", from, "messageID", msgID)
	if !g.inbox.emit(ev) {
		return ErrGatewayStopped
	}
	return nil
}

func (g *TwilioGateway) SendText(ctx context.Context, to, text string, buttons ...models.Button) error {
	if g.inbox.isStopped() {
		return ErrGatewayStopped
	}
	return g.client.SendMessage(ctx, to, g.menus.render(to, text, buttons))
}

// SendMedia copies the file into the media directory and sends its public URL.
func (g *TwilioGateway) SendMedia(ctx context.Context, to string, media models.Media) error {
	if g.inbox.isStopped() {
		return ErrGatewayStopped
	}
	name, err := g.publish(media.Path)
	if err != nil {
		return err
	}
	mediaURL := g.publicURL + "/media/" + name
	if err := g.client.SendMedia(ctx, to, media.Caption, mediaURL); err != nil {
		util.CleanupFile(filepath.Join(g.mediaDir, name))
		return err
	}
	return nil
}

func (g *TwilioGateway) publish(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer in.Close()

	path, err := util.WriteTempFile(g.mediaDir, "m", filepath.Ext(src), in)
	if err != nil {
		return "", fmt.Errorf("publish media: %w", err)
	}
	return filepath.Base(path), nil
}

// AcknowledgeCallback is a no-op; Twilio has no callback acknowledgement.
func (g *TwilioGateway) AcknowledgeCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

// Download fetches a MediaUrl received on the webhook.
func (g *TwilioGateway) Download(ctx context.Context, fileRef, dstPath string) error {
	return g.client.DownloadMedia(ctx, fileRef, dstPath)
}

// PruneMedia removes published media older than maxAge. Twilio fetches media
// once shortly after the send.
func (g *TwilioGateway) PruneMedia(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(g.mediaDir)
	if err != nil {
		return 0, fmt.Errorf("read media dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.mediaDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
