// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in PackPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioWhatsAppSender is the Twilio surface used by the messaging gateway.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to, caption, mediaURL string) error
	DownloadMedia(ctx context.Context, mediaURL, dstPath string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithHTTPClient overrides the client used for media downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	accountSID string
	authToken  string
	httpClient *http.Client
}

var _ TwilioWhatsAppSender = (*Client)(nil)

func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromWhats:  WhatsAppAddress(cfg.FromWhats),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		httpClient: cfg.HTTPClient,
	}, nil
}

// WhatsAppAddress formats a phone number as a Twilio WhatsApp address.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:+" + CanonicalNumber(number)
}

// CanonicalNumber strips everything but digits from a Twilio address,
// so "whatsapp:+1 555-0100" becomes "15550100".
func CanonicalNumber(addr string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(addr, "whatsapp:") {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendMedia sends a publicly reachable media URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMedia failed", "to", to, "error", err)
		return fmt.Errorf("failed to send media to %s: %w", to, err)
	}
	slog.Debug("Twilio media sent", "to", to, "url", mediaURL)
	return nil
}

// DownloadMedia fetches an inbound media URL using the account credentials.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL, dstPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download media: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dstPath)
		return fmt.Errorf("write media file: %w", err)
	}
	return f.Close()
}

// MockClient records sends in memory (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	SentMedia    []SentMessage
	Files        map[string][]byte
}

type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

var _ TwilioWhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{Files: make(map[string][]byte)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMedia = append(m.SentMedia, SentMessage{To: to, Body: caption, MediaURL: mediaURL})
	return nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, mediaURL, dstPath string) error {
	m.mu.Lock()
	data, ok := m.Files[mediaURL]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("download media: unexpected status %d", http.StatusNotFound)
	}
	return os.WriteFile(dstPath, data, 0o644)
}

// Messages returns a copy of the recorded text messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// Media returns a copy of the recorded media sends.
func (m *MockClient) Media() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMedia...)
}
