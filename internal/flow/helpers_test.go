package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PackPipe/internal/cache"
	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/store"
)

type sentText struct {
	To      string
	Text    string
	Buttons []models.Button
}

// fakeMessenger records outbound messages and serves downloads from memory.
type fakeMessenger struct {
	mu     sync.Mutex
	texts  []sentText
	media  []models.Media
	acks   []string
	files  map[string][]byte
	failDL map[string]bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{files: make(map[string][]byte), failDL: make(map[string]bool)}
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string, buttons ...models.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentText{To: to, Text: text, Buttons: buttons})
	return nil
}

func (m *fakeMessenger) SendMedia(_ context.Context, _ string, media models.Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = append(m.media, media)
	return nil
}

func (m *fakeMessenger) AcknowledgeCallback(_ context.Context, callbackID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, callbackID)
	return nil
}

func (m *fakeMessenger) Download(_ context.Context, fileRef, dstPath string) error {
	m.mu.Lock()
	data, ok := m.files[fileRef]
	fail := m.failDL[fileRef]
	m.mu.Unlock()
	if fail || !ok {
		return fmt.Errorf("no such file %s", fileRef)
	}
	return os.WriteFile(dstPath, data, 0o644)
}

func (m *fakeMessenger) addFile(ref string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[ref] = data
}

func (m *fakeMessenger) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	for i, t := range m.texts {
		out[i] = t.Text
	}
	return out
}

func (m *fakeMessenger) LastText() sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return sentText{}
	}
	return m.texts[len(m.texts)-1]
}

func (m *fakeMessenger) Media() []models.Media {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Media(nil), m.media...)
}

// CountContaining counts sent texts that contain substr.
func (m *fakeMessenger) CountContaining(substr string) int {
	n := 0
	for _, t := range m.Texts() {
		if strings.Contains(t, substr) {
			n++
		}
	}
	return n
}

// fakeConverter writes a small output file after a per-source delay. A
// source containing "hang" blocks until the context ends. Sources are
// recorded in the order their conversions finish.
type fakeConverter struct {
	dir      string
	delays   map[string]time.Duration
	calls    atomic.Int32
	mu       sync.Mutex
	finished []string
}

func (c *fakeConverter) Finished() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.finished...)
}

func (c *fakeConverter) produce(ctx context.Context, path, ext string, meta models.ArtifactMetadata) (models.ArtifactResult, error) {
	c.calls.Add(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ArtifactResult{}, err
	}
	src := string(data)
	if strings.Contains(src, "hang") {
		<-ctx.Done()
		return models.ArtifactResult{}, ctx.Err()
	}
	c.mu.Lock()
	delay := c.delays[src]
	c.mu.Unlock()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return models.ArtifactResult{}, ctx.Err()
	}
	out, err := os.CreateTemp(c.dir, "out_*"+ext)
	if err != nil {
		return models.ArtifactResult{}, err
	}
	defer out.Close()
	if _, err := out.WriteString("converted:" + src); err != nil {
		return models.ArtifactResult{}, err
	}
	c.mu.Lock()
	c.finished = append(c.finished, src)
	c.mu.Unlock()
	return models.ArtifactResult{OutputPath: out.Name(), Metadata: meta}, nil
}

func (c *fakeConverter) Convert(ctx context.Context, path string, _ models.ConvertOptions) (models.ArtifactResult, error) {
	return c.produce(ctx, path, ".webm", models.ArtifactMetadata{DurationSec: 2.8, KB: 120, Width: 512, Height: 512, FPS: 30})
}

func (c *fakeConverter) PrepareAsset(ctx context.Context, path string) (models.ArtifactResult, error) {
	return c.produce(ctx, path, ".png", models.ArtifactMetadata{KB: 40, Width: 512, Height: 512})
}

// fakeGenerator renders a file named after the blueprint template.
type fakeGenerator struct {
	dir   string
	calls atomic.Int32
	fail  bool
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, bp models.Blueprint) (models.ArtifactResult, error) {
	g.calls.Add(1)
	if g.fail {
		return models.ArtifactResult{}, fmt.Errorf("model unavailable")
	}
	out, err := os.CreateTemp(g.dir, "gen_*.png")
	if err != nil {
		return models.ArtifactResult{}, err
	}
	defer out.Close()
	fmt.Fprintf(out, "sticker:%s:%d", bp.Template, bp.Variation)
	return models.ArtifactResult{OutputPath: out.Name(), Metadata: models.ArtifactMetadata{KB: 50, Width: 512, Height: 512}}, nil
}

type testEnv struct {
	flow      *Flow
	msg       *fakeMessenger
	store     *store.InMemoryStore
	converter *fakeConverter
	generator *fakeGenerator
	publisher *packs.LocalPublisher
	processor *store.JobProcessor
	dir       string
}

type envConfig struct {
	debounce   time.Duration
	jobTimeout time.Duration
	workers    int
}

// newTestEnv wires a Flow over in-memory collaborators. Jobs run on a live
// processor and replies travel through the outbox.
func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	if cfg.debounce == 0 {
		cfg.debounce = 150 * time.Millisecond
	}
	if cfg.jobTimeout == 0 {
		cfg.jobTimeout = 5 * time.Second
	}
	if cfg.workers == 0 {
		cfg.workers = 3
	}
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	mem := store.NewInMemoryStore()
	c, err := cache.New(cache.WithDir(filepath.Join(dir, "cache")), cache.WithWorkDir(workDir))
	require.NoError(t, err)
	pub, err := packs.NewLocalPublisher(packs.WithDir(filepath.Join(dir, "packs")), packs.WithBaseURL("https://packs.example"))
	require.NoError(t, err)

	env := &testEnv{
		msg:       newFakeMessenger(),
		store:     mem,
		converter: &fakeConverter{dir: workDir, delays: make(map[string]time.Duration)},
		generator: &fakeGenerator{dir: workDir},
		publisher: pub,
		dir:       dir,
	}
	env.flow = New(Deps{
		Jobs:      store.NewJobQueue(mem, 0),
		Outbox:    mem,
		Messenger: env.msg,
		Converter: env.converter,
		Generator: env.generator,
		Cache:     c,
		Publisher: pub,
	}, WithBotName("testbot"), WithWorkDir(workDir), WithDebounce(cfg.debounce))

	env.processor = store.NewJobProcessor(mem, 10*time.Millisecond,
		store.WithWorkers(cfg.workers),
		store.WithJobTimeout(cfg.jobTimeout),
		store.WithNotifier(env.flow.NotifyJob),
	)
	env.flow.RegisterJobHandlers(env.processor)
	sender := store.NewOutboxSender(mem, env.flow.DeliverOutbox, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); env.processor.Run(ctx) }()
	go func() { defer wg.Done(); sender.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		env.flow.Close()
	})
	return env
}

// newRouterEnv wires a Flow without a running processor, for dialogue tests.
func newRouterEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	mem := store.NewInMemoryStore()
	pub, err := packs.NewLocalPublisher(packs.WithDir(filepath.Join(dir, "packs")), packs.WithBaseURL("https://packs.example"))
	require.NoError(t, err)
	env := &testEnv{msg: newFakeMessenger(), store: mem, publisher: pub, dir: dir}
	env.flow = New(Deps{
		Jobs:      store.NewJobQueue(mem, 0),
		Outbox:    mem,
		Messenger: env.msg,
		Publisher: pub,
	}, WithBotName("testbot"), WithWorkDir(filepath.Join(dir, "work")), WithDebounce(50*time.Millisecond))
	t.Cleanup(env.flow.Close)
	return env
}

func (e *testEnv) text(t *testing.T, actor, text string) {
	t.Helper()
	require.NoError(t, e.flow.HandleEvent(context.Background(), models.TextReceived{ActorID: actor, Text: text}))
}

func (e *testEnv) upload(t *testing.T, actor, ref, mime string) {
	t.Helper()
	require.NoError(t, e.flow.HandleEvent(context.Background(), models.FileUploaded{ActorID: actor, FileRef: ref, MimeType: mime}))
}

func (e *testEnv) callback(t *testing.T, actor, data string) {
	t.Helper()
	require.NoError(t, e.flow.HandleEvent(context.Background(), models.CallbackReceived{ActorID: actor, CallbackID: "cb", Data: data}))
}

// writeArtifact creates a buffered artifact file under the env directory.
func (e *testEnv) writeArtifact(t *testing.T, name string) models.BufferedArtifact {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("sticker "+name), 0o644))
	return models.BufferedArtifact{SourceRef: name, LocalPath: path, Format: models.FormatStatic, Metadata: models.ArtifactMetadata{KB: 10, Width: 512, Height: 512}}
}
