package messaging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// SentText is a text recorded by MockGateway.
type SentText struct {
	To      string
	Text    string
	Buttons []models.Button
}

// SentMedia is a media send recorded by MockGateway.
type SentMedia struct {
	To    string
	Media models.Media
}

// MockGateway is an in-memory Gateway for tests and local runs. Inbound
// events are injected with Inject; files are served from Files.
type MockGateway struct {
	inbox *inbox

	mu    sync.Mutex
	texts []SentText
	media []SentMedia
	acks  []string
	Files map[string][]byte
}

var _ Gateway = (*MockGateway)(nil)

func NewMockGateway() *MockGateway {
	return &MockGateway{inbox: newInbox(), Files: make(map[string][]byte)}
}

func (m *MockGateway) Start(ctx context.Context) error { return nil }

func (m *MockGateway) Stop() error {
	m.inbox.close()
	return nil
}

func (m *MockGateway) Events() <-chan models.InboundEvent { return m.inbox.events }

// Inject simulates an inbound event.
func (m *MockGateway) Inject(ev models.InboundEvent) bool {
	return m.inbox.emit(ev)
}

func (m *MockGateway) SendText(_ context.Context, to, text string, buttons ...models.Button) error {
	if m.inbox.isStopped() {
		return ErrGatewayStopped
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, SentText{To: to, Text: text, Buttons: buttons})
	return nil
}

func (m *MockGateway) SendMedia(_ context.Context, to string, media models.Media) error {
	if m.inbox.isStopped() {
		return ErrGatewayStopped
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = append(m.media, SentMedia{To: to, Media: media})
	return nil
}

func (m *MockGateway) AcknowledgeCallback(_ context.Context, callbackID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, callbackID)
	return nil
}

func (m *MockGateway) Download(_ context.Context, fileRef, dstPath string) error {
	m.mu.Lock()
	data, ok := m.Files[fileRef]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock gateway: unknown file %q", fileRef)
	}
	return os.WriteFile(dstPath, data, 0o644)
}

// Texts returns a copy of the recorded texts.
func (m *MockGateway) Texts() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.texts...)
}

// Media returns a copy of the recorded media sends.
func (m *MockGateway) Media() []SentMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMedia(nil), m.media...)
}

// TextsContaining counts recorded texts containing substr.
func (m *MockGateway) TextsContaining(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.texts {
		if strings.Contains(t.Text, substr) {
			n++
		}
	}
	return n
}
