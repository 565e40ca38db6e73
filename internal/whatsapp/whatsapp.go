// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in PackPipe.
//
// It sends text and media, turns inbound messages into transport-neutral
// Inbound values and downloads inbound media by reference.
package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/packpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// ErrNotDownloadable is returned for file references that carry no media.
var ErrNotDownloadable = errors.New("file reference has no downloadable media")

// Inbound is one message received from WhatsApp.
type Inbound struct {
	ID       string
	From     string
	Text     string
	FileRef  string
	MimeType string
	FileName string
	ButtonID string
}

// InboundHandler receives parsed inbound messages.
type InboundHandler func(Inbound)

// WhatsAppClient is the client surface used by the messaging gateway (for production and testing).
type WhatsAppClient interface {
	SendText(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to string, media models.Media) error
	Download(ctx context.Context, fileRef, dstPath string) error
	Subscribe(h InboundHandler)
	Disconnect()
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

var _ WhatsAppClient = (*Client)(nil)

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func login(waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

// SendText sends a WhatsApp text message to the specified recipient.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// SendMedia uploads a file and sends it as an image, video or document
// depending on its MIME type.
func (c *Client) SendMedia(ctx context.Context, to string, media models.Media) error {
	if err := c.ready(to); err != nil {
		return err
	}
	data, err := os.ReadFile(media.Path)
	if err != nil {
		return fmt.Errorf("read media: %w", err)
	}
	kind := mediaKind(media.MimeType)
	up, err := c.waClient.Upload(ctx, data, kind)
	if err != nil {
		return fmt.Errorf("upload media for %s: %w", to, err)
	}
	msg := buildMediaMessage(up, media, kind)
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("WhatsApp media sent successfully", "to", to, "mime", media.MimeType, "bytes", len(data))
	return nil
}

func mediaKind(mime string) whatsmeow.MediaType {
	switch {
	case mime == "image/png" || mime == "image/jpeg":
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(up whatsmeow.UploadResponse, media models.Media, kind whatsmeow.MediaType) *waE2E.Message {
	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       caption,
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       caption,
		}}
	default:
		name := media.FileName
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(media.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Caption:       caption,
		}}
	}
}

// Download fetches the media named by a file reference produced by
// ParseMessage and writes it to dstPath.
func (c *Client) Download(ctx context.Context, fileRef, dstPath string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	msg, err := DecodeFileRef(fileRef)
	if err != nil {
		return err
	}
	downloadable := downloadableOf(msg)
	if downloadable == nil {
		return ErrNotDownloadable
	}
	data, err := c.waClient.Download(ctx, downloadable)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	return os.WriteFile(dstPath, data, 0o644)
}

func downloadableOf(msg *waE2E.Message) whatsmeow.DownloadableMessage {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	}
	return nil
}

// Subscribe registers h for every parsed inbound message.
func (c *Client) Subscribe(h InboundHandler) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if in, ok := ParseMessage(msg); ok {
			h(in)
		}
	})
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// EncodeFileRef serializes the media part of a message into an opaque
// reference that survives restarts.
func EncodeFileRef(msg *waE2E.Message) (string, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode file ref: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeFileRef reverses EncodeFileRef.
func DecodeFileRef(ref string) (*waE2E.Message, error) {
	data, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("decode file ref: %w", err)
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode file ref: %w", err)
	}
	return &msg, nil
}

// ParseMessage converts a whatsmeow message event. Group messages, messages
// sent by this account and unsupported content report false.
func ParseMessage(evt *events.Message) (Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return Inbound{}, false
	}
	in := Inbound{ID: string(evt.Info.ID), From: evt.Info.Sender.User}
	m := evt.Message

	switch {
	case m.GetConversation() != "":
		in.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		in.Text = m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		in.ButtonID = m.GetButtonsResponseMessage().GetSelectedButtonID()
	case m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID() != "":
		in.ButtonID = m.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	case m.GetImageMessage() != nil:
		in.MimeType = m.GetImageMessage().GetMimetype()
		in.Text = m.GetImageMessage().GetCaption()
		return withFileRef(in, &waE2E.Message{ImageMessage: m.GetImageMessage()})
	case m.GetVideoMessage() != nil:
		in.MimeType = m.GetVideoMessage().GetMimetype()
		if m.GetVideoMessage().GetGifPlayback() {
			// GIFs arrive as looping MP4.
			in.FileName = "animation.mp4"
		}
		return withFileRef(in, &waE2E.Message{VideoMessage: m.GetVideoMessage()})
	case m.GetDocumentMessage() != nil:
		in.MimeType = m.GetDocumentMessage().GetMimetype()
		in.FileName = m.GetDocumentMessage().GetFileName()
		return withFileRef(in, &waE2E.Message{DocumentMessage: m.GetDocumentMessage()})
	case m.GetStickerMessage() != nil:
		in.MimeType = m.GetStickerMessage().GetMimetype()
		return withFileRef(in, &waE2E.Message{StickerMessage: m.GetStickerMessage()})
	default:
		slog.Debug("WhatsApp ignoring unsupported message", "from", in.From, "id", in.ID)
		return Inbound{}, false
	}
	return in, true
}

func withFileRef(in Inbound, media *waE2E.Message) (Inbound, bool) {
	ref, err := EncodeFileRef(media)
	if err != nil {
		slog.Error("WhatsApp file ref encoding failed", "from", in.From, "error", err)
		return Inbound{}, false
	}
	in.FileRef = ref
	return in, true
}

// MockClient implements WhatsAppClient in memory (for tests).
// In tests, use whatsapp.NewMockClient() instead of NewClient to avoid real WhatsApp connections.
type MockClient struct {
	mu       sync.Mutex
	Texts    []SentText
	Media    []SentMedia
	Files    map[string][]byte
	handlers []InboundHandler
}

// SentText is a text recorded by MockClient.
type SentText struct {
	To   string
	Body string
}

// SentMedia is a media send recorded by MockClient.
type SentMedia struct {
	To    string
	Media models.Media
}

var _ WhatsAppClient = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{Files: make(map[string][]byte)}
}

func (m *MockClient) SendText(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Texts = append(m.Texts, SentText{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(_ context.Context, to string, media models.Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Media = append(m.Media, SentMedia{To: to, Media: media})
	return nil
}

func (m *MockClient) Download(_ context.Context, fileRef, dstPath string) error {
	m.mu.Lock()
	data, ok := m.Files[fileRef]
	m.mu.Unlock()
	if !ok {
		return ErrNotDownloadable
	}
	return os.WriteFile(dstPath, data, 0o644)
}

func (m *MockClient) Subscribe(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *MockClient) Disconnect() {}

// Deliver simulates an inbound message.
func (m *MockClient) Deliver(in Inbound) {
	m.mu.Lock()
	handlers := append([]InboundHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(in)
	}
}

// SentTexts returns a copy of the recorded texts.
func (m *MockClient) SentTexts() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.Texts...)
}
