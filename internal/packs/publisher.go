// Package packs publishes finished sticker packs. A pack is a directory of
// sticker files with a YAML manifest, downloadable as a zip bundle.
package packs

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/util"
)

// MaxStickers is the largest number of stickers a pack may hold.
const MaxStickers = 120

const manifestFile = "pack.yaml"

var (
	ErrPackNotFound = errors.New("pack not found")
	ErrPackExists   = errors.New("pack already exists")
	ErrNotOwner     = errors.New("pack belongs to another user")
	ErrPackFull     = errors.New("pack is full")
	ErrInvalidName  = errors.New("invalid pack name")
	ErrNoStickers   = errors.New("no stickers to publish")
)

// Sticker is one entry of a pack manifest.
type Sticker struct {
	File     string                  `yaml:"file"`
	Emoji    string                  `yaml:"emoji"`
	Format   models.StickerFormat    `yaml:"format"`
	Metadata models.ArtifactMetadata `yaml:"metadata"`
	AddedAt  time.Time               `yaml:"added_at"`
}

// Manifest describes a published pack.
type Manifest struct {
	Name      string               `yaml:"name"`
	Title     string               `yaml:"title"`
	Owner     string               `yaml:"owner"`
	Emoji     string               `yaml:"emoji"`
	Format    models.StickerFormat `yaml:"format"`
	Stickers  []Sticker            `yaml:"stickers"`
	CreatedAt time.Time            `yaml:"created_at"`
	UpdatedAt time.Time            `yaml:"updated_at"`
}

// Publisher creates and extends packs.
type Publisher interface {
	Create(ctx context.Context, owner, title, shortName, emoji string, files []models.BufferedArtifact) (*Manifest, error)
	Add(ctx context.Context, owner, shortName, emoji string, files []models.BufferedArtifact) (*Manifest, error)
	Emoji(ctx context.Context, shortName string) (string, error)
	List(ctx context.Context, owner string) ([]Manifest, error)
	Bundle(ctx context.Context, shortName string) (string, error)
	Link(shortName string) string
}

// Opts holds configuration for LocalPublisher.
type Opts struct {
	Dir     string
	BaseURL string
}

// Option configures LocalPublisher.
type Option func(*Opts)

// WithDir sets the directory that holds all packs.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithBaseURL sets the public URL prefix used by Link.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// LocalPublisher stores packs on the local filesystem.
type LocalPublisher struct {
	dir     string
	baseURL string
	mu      sync.Mutex
}

var _ Publisher = (*LocalPublisher)(nil)

// NewLocalPublisher creates the pack directory if needed.
func NewLocalPublisher(opts ...Option) (*LocalPublisher, error) {
	cfg := Opts{Dir: filepath.Join(os.TempDir(), "packpipe", "packs"), BaseURL: "http://localhost:8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create packs dir: %w", err)
	}
	return &LocalPublisher{dir: cfg.Dir, baseURL: cfg.BaseURL}, nil
}

// Link returns the public URL of a pack bundle.
func (p *LocalPublisher) Link(shortName string) string {
	return p.baseURL + "/packs/" + shortName
}

// Create publishes a new pack owned by owner.
func (p *LocalPublisher) Create(ctx context.Context, owner, title, shortName, emoji string, files []models.BufferedArtifact) (*Manifest, error) {
	if !ValidName(shortName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, shortName)
	}
	if len(files) == 0 {
		return nil, ErrNoStickers
	}
	if len(files) > MaxStickers {
		return nil, fmt.Errorf("%w: %d stickers", ErrPackFull, len(files))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packDir := filepath.Join(p.dir, shortName)
	if _, err := os.Stat(filepath.Join(packDir, manifestFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackExists, shortName)
	}
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pack dir: %w", err)
	}

	now := time.Now().UTC()
	m := &Manifest{
		Name:      shortName,
		Title:     title,
		Owner:     owner,
		Emoji:     emoji,
		Format:    files[0].Format,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.appendStickers(ctx, packDir, m, emoji, files); err != nil {
		os.RemoveAll(packDir)
		return nil, err
	}
	if err := p.commit(packDir, m); err != nil {
		os.RemoveAll(packDir)
		return nil, err
	}
	slog.Info("LocalPublisher.Create: pack created", "name", shortName, "owner", owner, "stickers", len(m.Stickers))
	return m, nil
}

// Add appends stickers to an existing pack owned by owner.
func (p *LocalPublisher) Add(ctx context.Context, owner, shortName, emoji string, files []models.BufferedArtifact) (*Manifest, error) {
	if !ValidName(shortName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, shortName)
	}
	if len(files) == 0 {
		return nil, ErrNoStickers
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packDir := filepath.Join(p.dir, shortName)
	m, err := readManifest(packDir)
	if err != nil {
		return nil, err
	}
	if m.Owner != owner {
		return nil, ErrNotOwner
	}
	if len(m.Stickers)+len(files) > MaxStickers {
		return nil, fmt.Errorf("%w: %d + %d stickers", ErrPackFull, len(m.Stickers), len(files))
	}

	before := len(m.Stickers)
	if err := p.appendStickers(ctx, packDir, m, emoji, files); err != nil {
		for _, s := range m.Stickers[before:] {
			util.CleanupFile(filepath.Join(packDir, s.File))
		}
		return nil, err
	}
	m.UpdatedAt = time.Now().UTC()
	if err := p.commit(packDir, m); err != nil {
		return nil, err
	}
	slog.Info("LocalPublisher.Add: stickers added", "name", shortName, "added", len(files), "total", len(m.Stickers))
	return m, nil
}

// Emoji returns the emoji of a pack: the manifest's, or the first sticker's.
func (p *LocalPublisher) Emoji(_ context.Context, shortName string) (string, error) {
	if !ValidName(shortName) {
		return "", ErrPackNotFound
	}
	m, err := readManifest(filepath.Join(p.dir, shortName))
	if err != nil {
		return "", err
	}
	if m.Emoji != "" {
		return m.Emoji, nil
	}
	if len(m.Stickers) > 0 {
		return m.Stickers[0].Emoji, nil
	}
	return "", nil
}

// List returns the packs owned by owner, most recently updated first.
func (p *LocalPublisher) List(_ context.Context, owner string) ([]Manifest, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read packs dir: %w", err)
	}
	var all []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(p.dir, e.Name()))
		if err != nil {
			slog.Debug("LocalPublisher.List: skipping unreadable pack", "dir", e.Name(), "error", err)
			continue
		}
		all = append(all, *m)
	}
	owned := lo.Filter(all, func(m Manifest, _ int) bool { return m.Owner == owner })
	sort.Slice(owned, func(i, j int) bool { return owned[i].UpdatedAt.After(owned[j].UpdatedAt) })
	return owned, nil
}

// Bundle returns the path of the pack's zip bundle, building it if missing.
func (p *LocalPublisher) Bundle(_ context.Context, shortName string) (string, error) {
	if !ValidName(shortName) {
		return "", ErrPackNotFound
	}
	packDir := filepath.Join(p.dir, shortName)
	bundle := bundlePath(packDir, shortName)
	if util.FileExists(bundle) {
		return bundle, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := readManifest(packDir)
	if err != nil {
		return "", err
	}
	if err := writeBundle(packDir, m); err != nil {
		return "", err
	}
	return bundle, nil
}

func (p *LocalPublisher) appendStickers(ctx context.Context, packDir string, m *Manifest, emoji string, files []models.BufferedArtifact) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("%03d%s", len(m.Stickers)+1, stickerExt(f))
		if err := util.CopyFile(f.LocalPath, filepath.Join(packDir, name)); err != nil {
			return fmt.Errorf("copy sticker %s: %w", f.SourceRef, err)
		}
		m.Stickers = append(m.Stickers, Sticker{
			File:     name,
			Emoji:    emoji,
			Format:   f.Format,
			Metadata: f.Metadata,
			AddedAt:  time.Now().UTC(),
		})
	}
	return nil
}

// commit writes the manifest and rebuilds the bundle.
func (p *LocalPublisher) commit(packDir string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := filepath.Join(packDir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(packDir, manifestFile)); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return writeBundle(packDir, m)
}

func readManifest(packDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(packDir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func bundlePath(packDir, shortName string) string {
	return filepath.Join(packDir, shortName+".zip")
}

func writeBundle(packDir string, m *Manifest) error {
	target := bundlePath(packDir, m.Name)
	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	zw := zip.NewWriter(out)

	files := append([]string{manifestFile}, lo.Map(m.Stickers, func(s Sticker, _ int) string { return s.File })...)
	for _, name := range files {
		if err := addToZip(zw, filepath.Join(packDir, name), name); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("finish bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close bundle: %w", err)
	}
	return os.Rename(tmp, target)
}

func addToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func stickerExt(f models.BufferedArtifact) string {
	if ext := filepath.Ext(f.LocalPath); ext != "" {
		return strings.ToLower(ext)
	}
	if f.Format == models.FormatVideo {
		return ".webm"
	}
	return ".png"
}
