package messaging

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/store"
	"github.com/BTreeMap/PackPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PackPipe/internal/whatsapp"
)

var modeButtons = []models.Button{
	{ID: "cmd:batch", Title: "📦 Batch convert"},
	{ID: "cmd:ai", Title: "🤖 AI sticker"},
}

func receive(t *testing.T, g Gateway) models.InboundEvent {
	t.Helper()
	select {
	case ev := <-g.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no inbound event")
		return nil
	}
}

func TestMenus_RenderAndResolve(t *testing.T) {
	m := newMenus()
	body := m.render("alice", "Pick one", modeButtons)
	assert.Equal(t, "Pick one\n\n1. 📦 Batch convert\n2. 🤖 AI sticker\n\nReply with a number.", body)

	_, ok := m.resolve("bob", "1")
	assert.False(t, ok, "menus are per recipient")
	_, ok = m.resolve("alice", "3")
	assert.False(t, ok)
	_, ok = m.resolve("alice", "hello")
	assert.False(t, ok)

	btn, ok := m.resolve("alice", " 2 ")
	require.True(t, ok)
	assert.Equal(t, "cmd:ai", btn.ID)

	_, ok = m.resolve("alice", "1")
	assert.False(t, ok, "a resolved menu is retired")
}

func TestMenus_IDMatchWinsOverPosition(t *testing.T) {
	m := newMenus()
	m.render("alice", "How many?", []models.Button{{ID: "6", Title: "6 stickers"}, {ID: "12", Title: "12 stickers"}})
	btn, ok := m.resolve("alice", "12")
	require.True(t, ok)
	assert.Equal(t, "12", btn.ID)
}

func TestMenus_PlainTextRetiresMenu(t *testing.T) {
	m := newMenus()
	m.render("alice", "Pick one", modeButtons)
	assert.Equal(t, "Processing...", m.render("alice", "Processing...", nil))
	_, ok := m.resolve("alice", "1")
	assert.False(t, ok)
}

func TestWhatsAppGateway_InboundEvents(t *testing.T) {
	client := whatsapp.NewMockClient()
	g := NewWhatsAppGateway(client)
	require.NoError(t, g.Start(t.Context()))
	t.Cleanup(func() { _ = g.Stop() })

	client.Deliver(whatsapp.Inbound{ID: "m1", From: "1555", Text: "/start"})
	assert.Equal(t, models.TextReceived{ActorID: "1555", MsgID: "m1", Text: "/start"}, receive(t, g))

	client.Deliver(whatsapp.Inbound{ID: "m2", From: "1555", FileRef: "ref", MimeType: "image/gif"})
	assert.Equal(t, models.FileUploaded{ActorID: "1555", MsgID: "m2", FileRef: "ref", MimeType: "image/gif"}, receive(t, g))

	client.Deliver(whatsapp.Inbound{ID: "m3", From: "1555", ButtonID: "cmd:pack"})
	assert.Equal(t, models.CallbackReceived{ActorID: "1555", MsgID: "m3", CallbackID: "m3", Data: "cmd:pack"}, receive(t, g))

	client.Deliver(whatsapp.Inbound{ID: "m4", Text: "anonymous"})
	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWhatsAppGateway_NumberedReplyBecomesCallback(t *testing.T) {
	client := whatsapp.NewMockClient()
	g := NewWhatsAppGateway(client)
	require.NoError(t, g.Start(t.Context()))
	t.Cleanup(func() { _ = g.Stop() })

	require.NoError(t, g.SendText(t.Context(), "1555", "Welcome", modeButtons...))
	sent := client.SentTexts()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "1. 📦 Batch convert")

	client.Deliver(whatsapp.Inbound{ID: "m1", From: "1555", Text: "1"})
	assert.Equal(t, models.CallbackReceived{ActorID: "1555", MsgID: "m1", CallbackID: "m1", Data: "cmd:batch"}, receive(t, g))
}

func TestWhatsAppGateway_SendAfterStop(t *testing.T) {
	g := NewWhatsAppGateway(whatsapp.NewMockClient())
	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
	assert.ErrorIs(t, g.SendText(t.Context(), "1555", "hi"), ErrGatewayStopped)
	assert.ErrorIs(t, g.SendMedia(t.Context(), "1555", models.Media{}), ErrGatewayStopped)
	_, open := <-g.Events()
	assert.False(t, open)
}

func newTwilioGateway(t *testing.T) (*TwilioGateway, *twiliowhatsapp.MockClient) {
	t.Helper()
	client := twiliowhatsapp.NewMockClient()
	g, err := NewTwilioGateway(client, filepath.Join(t.TempDir(), "media"), "https://bot.example/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Stop() })
	return g, client
}

func TestTwilioGateway_HandleWebhook(t *testing.T) {
	g, _ := newTwilioGateway(t)

	require.NoError(t, g.HandleWebhook(url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+15550100"}, "Body": {"/batch"}}))
	assert.Equal(t, models.TextReceived{ActorID: "15550100", MsgID: "SM1", Text: "/batch"}, receive(t, g))

	require.NoError(t, g.HandleWebhook(url.Values{
		"MessageSid": {"SM2"}, "From": {"whatsapp:+15550100"}, "NumMedia": {"1"},
		"MediaUrl0": {"https://api.twilio.com/media/ME1"}, "MediaContentType0": {"video/mp4"},
	}))
	assert.Equal(t, models.FileUploaded{ActorID: "15550100", MsgID: "SM2", FileRef: "https://api.twilio.com/media/ME1", MimeType: "video/mp4"}, receive(t, g))

	require.NoError(t, g.HandleWebhook(url.Values{"MessageSid": {"SM3"}, "From": {"whatsapp:+15550100"}, "ButtonPayload": {"new"}, "Body": {"New pack"}}))
	assert.Equal(t, models.CallbackReceived{ActorID: "15550100", MsgID: "SM3", CallbackID: "SM3", Data: "new"}, receive(t, g))
}

func TestTwilioGateway_HandleWebhookRejects(t *testing.T) {
	g, _ := newTwilioGateway(t)
	assert.ErrorIs(t, g.HandleWebhook(url.Values{"Body": {"hi"}}), ErrInvalidWebhook)
	assert.ErrorIs(t, g.HandleWebhook(url.Values{"From": {"whatsapp:+1555"}}), ErrInvalidWebhook)

	require.NoError(t, g.Stop())
	assert.ErrorIs(t, g.HandleWebhook(url.Values{"From": {"whatsapp:+1555"}, "Body": {"hi"}}), ErrGatewayStopped)
}

func TestTwilioGateway_SendMediaPublishesFile(t *testing.T) {
	g, client := newTwilioGateway(t)
	src := filepath.Join(t.TempDir(), "sticker.webm")
	require.NoError(t, os.WriteFile(src, []byte("webm"), 0o644))

	require.NoError(t, g.SendMedia(t.Context(), "15550100", models.Media{Path: src, MimeType: "video/webm", Caption: "✅ Ready"}))
	sent := client.Media()
	require.Len(t, sent, 1)
	assert.Equal(t, "✅ Ready", sent[0].Body)
	require.True(t, strings.HasPrefix(sent[0].MediaURL, "https://bot.example/media/"))

	name := strings.TrimPrefix(sent[0].MediaURL, "https://bot.example/media/")
	assert.Equal(t, ".webm", filepath.Ext(name))
	data, err := os.ReadFile(filepath.Join(g.MediaDir(), name))
	require.NoError(t, err)
	assert.Equal(t, "webm", string(data))

	removed, err := g.PruneMedia(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	removed, err = g.PruneMedia(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestTwilioGateway_SendTextRendersMenu(t *testing.T) {
	g, client := newTwilioGateway(t)
	require.NoError(t, g.SendText(t.Context(), "15550100", "Pick", modeButtons...))
	require.Len(t, client.Messages(), 1)
	assert.Contains(t, client.Messages()[0].Body, "2. 🤖 AI sticker")

	require.NoError(t, g.HandleWebhook(url.Values{"MessageSid": {"SM9"}, "From": {"whatsapp:+15550100"}, "Body": {"2"}}))
	assert.Equal(t, models.CallbackReceived{ActorID: "15550100", MsgID: "SM9", CallbackID: "SM9", Data: "cmd:ai"}, receive(t, g))
}

func TestRateLimitedGateway_ThrottlesSends(t *testing.T) {
	mock := NewMockGateway()
	g := NewRateLimitedGateway(mock, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.SendText(t.Context(), "alice", "hi"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Len(t, mock.Texts(), 3)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	slow := NewRateLimitedGateway(NewMockGateway(), 0.001, 1)
	require.NoError(t, slow.SendMedia(t.Context(), "alice", models.Media{}))
	assert.Error(t, slow.SendMedia(ctx, "alice", models.Media{}))
}

type recordingHandler struct {
	mu     sync.Mutex
	events []models.InboundEvent
	fail   bool
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev models.InboundEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if h.fail {
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHandler) Events() []models.InboundEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.InboundEvent(nil), h.events...)
}

func TestDispatcher_DropsDuplicatesInOrder(t *testing.T) {
	mock := NewMockGateway()
	h := &recordingHandler{fail: true}
	dedup := store.NewInMemoryStore()
	d := NewDispatcher(mock.Events(), h, dedup)

	done := make(chan struct{})
	go func() { d.Run(t.Context()); close(done) }()

	mock.Inject(models.TextReceived{ActorID: "alice", MsgID: "m1", Text: "/batch"})
	mock.Inject(models.TextReceived{ActorID: "alice", MsgID: "m1", Text: "/batch"})
	mock.Inject(models.TextReceived{ActorID: "alice", Text: "no id"})
	mock.Inject(models.TextReceived{ActorID: "alice", Text: "no id"})
	mock.Inject(models.FileUploaded{ActorID: "alice", MsgID: "m2", FileRef: "f"})
	require.NoError(t, mock.Stop())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit after the channel closed")
	}

	want := []models.InboundEvent{
		models.TextReceived{ActorID: "alice", MsgID: "m1", Text: "/batch"},
		models.TextReceived{ActorID: "alice", Text: "no id"},
		models.TextReceived{ActorID: "alice", Text: "no id"},
		models.FileUploaded{ActorID: "alice", MsgID: "m2", FileRef: "f"},
	}
	if diff := cmp.Diff(want, h.Events()); diff != "" {
		t.Errorf("dispatched events mismatch (-want +got):\n%s", diff)
	}

	dup, err := dedup.IsDuplicate("m2")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	d := NewDispatcher(make(chan models.InboundEvent), &recordingHandler{}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher ignored cancellation")
	}
}

func TestMockGateway_Download(t *testing.T) {
	m := NewMockGateway()
	m.Files["ref"] = []byte("gif")
	dst := filepath.Join(t.TempDir(), "in.gif")
	require.NoError(t, m.Download(t.Context(), "ref", dst))
	assert.FileExists(t, dst)
	assert.Error(t, m.Download(t.Context(), "missing", dst))

	require.NoError(t, m.SendText(t.Context(), "alice", "hello world"))
	assert.Equal(t, 1, m.TextsContaining("world"))
}
