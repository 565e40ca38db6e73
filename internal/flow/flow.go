// Package flow implements the conversational core of PackPipe: per-actor
// sessions, the debounced batch coordinator, the durable job handlers that
// convert and generate artifacts, and the packaging step that turns buffered
// artifacts into a pack.
package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/PackPipe/internal/cache"
	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/store"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// Converter turns uploaded media into sticker-ready artifacts.
type Converter interface {
	Convert(ctx context.Context, path string, opts models.ConvertOptions) (models.ArtifactResult, error)
	PrepareAsset(ctx context.Context, path string) (models.ArtifactResult, error)
}

// Generator renders one sticker from a base image and a blueprint.
type Generator interface {
	Generate(ctx context.Context, basePath string, blueprint models.Blueprint) (models.ArtifactResult, error)
}

// Planner drafts count blueprints for a themed pack.
type Planner interface {
	Plan(ctx context.Context, theme, userContext string, count int) ([]models.Blueprint, error)
}

// MessagingService is the outbound half of a messaging gateway.
type MessagingService interface {
	SendText(ctx context.Context, to, text string, buttons ...models.Button) error
	SendMedia(ctx context.Context, to string, media models.Media) error
	AcknowledgeCallback(ctx context.Context, callbackID, text string) error
	// Download fetches an inbound file by the reference the gateway put on
	// the FileUploaded event.
	Download(ctx context.Context, fileRef, dstPath string) error
}

// ErrMissingArtifacts is returned by packaging when buffered files vanished
// from disk.
var ErrMissingArtifacts = errors.New("buffered artifacts missing")

// Defaults for Opts.
const (
	DefaultMaxBatchSize    = 10
	DefaultDebounce        = 2600 * time.Millisecond
	DefaultDownloadTimeout = 120 * time.Second
)

// Opts configures a Flow.
type Opts struct {
	BotName         string
	WorkDir         string
	MaxBatchSize    int
	Debounce        time.Duration
	DownloadTimeout time.Duration
}

// Option configures a Flow.
type Option func(*Opts)

// WithBotName sets the suffix of generated pack names.
func WithBotName(name string) Option {
	return func(o *Opts) { o.BotName = name }
}

// WithWorkDir sets where downloaded and produced files are kept.
func WithWorkDir(dir string) Option {
	return func(o *Opts) { o.WorkDir = dir }
}

// WithMaxBatchSize sets the batch size above which uploads get a notice.
func WithMaxBatchSize(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.MaxBatchSize = n
		}
	}
}

// WithDebounce sets the quiet period before the batch ready prompt.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Debounce = d
		}
	}
}

// WithDownloadTimeout bounds inbound file downloads.
func WithDownloadTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.DownloadTimeout = d
		}
	}
}

// Deps are the collaborators of a Flow.
type Deps struct {
	Sessions  *SessionStore
	Jobs      *store.JobQueue
	Outbox    store.OutboxRepo
	Messenger MessagingService
	Converter Converter
	Generator Generator
	Planner   Planner
	Catalog   *CatalogPlanner
	Cache     *cache.Cache
	Publisher packs.Publisher
}

// Flow routes inbound events for every actor and executes the durable jobs
// they produce.
type Flow struct {
	sessions  *SessionStore
	batches   *BatchCoordinator
	jobs      *store.JobQueue
	outbox    store.OutboxRepo
	msg       MessagingService
	converter Converter
	generator Generator
	planner   Planner
	catalog   *CatalogPlanner
	cache     *cache.Cache
	packager  *Packager
	publisher packs.Publisher
	opts      Opts
}

// New wires a Flow. The session store's discard hook is pointed at the
// flow so that dropped artifacts are removed from disk and batch progress is
// reset with the session.
func New(deps Deps, opts ...Option) *Flow {
	cfg := Opts{
		BotName:         "packpipe",
		WorkDir:         filepath.Join(os.TempDir(), "packpipe", "work"),
		MaxBatchSize:    DefaultMaxBatchSize,
		Debounce:        DefaultDebounce,
		DownloadTimeout: DefaultDownloadTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionStore()
	}
	if deps.Catalog == nil {
		deps.Catalog = MustCatalogPlanner()
	}
	if deps.Planner == nil {
		deps.Planner = deps.Catalog
	}

	f := &Flow{
		sessions:  deps.Sessions,
		jobs:      deps.Jobs,
		outbox:    deps.Outbox,
		msg:       deps.Messenger,
		converter: deps.Converter,
		generator: deps.Generator,
		planner:   deps.Planner,
		catalog:   deps.Catalog,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		opts:      cfg,
	}
	f.batches = NewBatchCoordinator(f.sessions, f.sendBatchReady, WithBatchDebounce(cfg.Debounce))
	f.packager = NewPackager(f.sessions, f.batches, deps.Publisher, f.msg, cfg.BotName)
	f.sessions.setDiscardHook(f.discard)
	return f
}

// Sessions returns the session store.
func (f *Flow) Sessions() *SessionStore {
	return f.sessions
}

// Batches returns the batch coordinator.
func (f *Flow) Batches() *BatchCoordinator {
	return f.batches
}

// Close stops background goroutines.
func (f *Flow) Close() {
	f.batches.Close()
}

// discard removes the files of artifacts dropped from a session. Evicted
// sessions also drop their batch progress.
func (f *Flow) discard(actorID string, dropped []models.BufferedArtifact, evicted bool) {
	for _, a := range dropped {
		util.CleanupFile(a.LocalPath)
	}
	if evicted {
		f.batches.Forget(actorID)
	}
}
