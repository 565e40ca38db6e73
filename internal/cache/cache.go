// Package cache provides the content-addressed ArtifactCache. It maps a
// fingerprint of (source bytes, generation parameters) to a file produced
// earlier, so identical requests skip the expensive collaborator call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/PackPipe/internal/util"
)

// DefaultTTL is how long a cached artifact stays valid.
const DefaultTTL = 24 * time.Hour

// ErrNotCached is returned by Do when a shared production finished but its
// output could not be read back from the cache.
var ErrNotCached = errors.New("artifact not cached")

// Entry is one cached artifact.
type Entry struct {
	Key       string
	Path      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Opts holds configuration for the cache.
type Opts struct {
	Dir     string
	WorkDir string
	TTL     time.Duration
	Now     func() time.Time
}

// Option configures the cache.
type Option func(*Opts)

// WithDir sets the directory that holds cache-owned files.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithWorkDir sets the directory where Checkout places caller-owned copies.
func WithWorkDir(dir string) Option {
	return func(o *Opts) { o.WorkDir = dir }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		if ttl > 0 {
			o.TTL = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Cache is the ArtifactCache. It is safe for concurrent use.
type Cache struct {
	dir     string
	workDir string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
	group   singleflight.Group
}

// New creates the cache directory and runs an initial sweep.
func New(opts ...Option) (*Cache, error) {
	cfg := Opts{
		Dir: filepath.Join(os.TempDir(), "packpipe", "cache"),
		TTL: DefaultTTL,
		Now: time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(filepath.Dir(cfg.Dir), "work")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		dir:     cfg.Dir,
		workDir: cfg.WorkDir,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		entries: make(map[string]Entry),
	}
	c.Sweep()
	slog.Debug("Cache.New: cache ready", "dir", c.dir, "ttl", c.ttl)
	return c, nil
}

// Key fingerprints source bytes and parameters. Parameters are canonicalized
// as JSON with sorted keys, so insertion order never changes the key.
func Key(source []byte, params map[string]any) string {
	sourceSum := sha256.Sum256(source)
	canonical, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params fall back to their printed form.
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	paramSum := sha256.Sum256(canonical)
	return hex.EncodeToString(sourceSum[:])[:16] + "_" + hex.EncodeToString(paramSum[:])[:16]
}

// KeyFile is Key over the contents of the file at path.
func KeyFile(path string, params map[string]any) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source for cache key: %w", err)
	}
	return Key(data, params), nil
}

// Get returns the cache-owned path for key. Expired entries and entries whose
// file vanished are evicted and reported as a miss.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		util.CleanupFile(entry.Path)
		slog.Debug("Cache.Get: expired", "key", key)
		return "", false
	}
	if !util.FileExists(entry.Path) {
		delete(c.entries, key)
		slog.Debug("Cache.Get: file missing", "key", key, "path", entry.Path)
		return "", false
	}
	return entry.Path, true
}

// Checkout copies the cached file for key to a new caller-owned path.
func (c *Cache) Checkout(key string) (string, bool) {
	path, ok := c.Get(key)
	if !ok {
		return "", false
	}
	dst, err := util.TempFilePath(c.workDir, "cached_", filepath.Ext(strings.TrimSuffix(path, ".tmp")))
	if err != nil {
		slog.Warn("Cache.Checkout: temp path failed", "key", key, "error", err)
		return "", false
	}
	if err := util.CopyFile(path, dst); err != nil {
		slog.Warn("Cache.Checkout: copy failed", "key", key, "error", err)
		return "", false
	}
	return dst, true
}

// Set copies the file at path into cache-owned storage. Failures are logged
// and otherwise ignored: a cache that cannot store is only a slower cache.
func (c *Cache) Set(key, path string) {
	now := c.now()
	ext := filepath.Ext(path)
	cachePath := filepath.Join(c.dir, fmt.Sprintf("%s_%d%s.tmp", key, now.UnixNano(), ext))
	if err := util.CopyFile(path, cachePath); err != nil {
		slog.Error("Cache.Set: copy failed", "key", key, "path", path, "error", err)
		return
	}

	c.mu.Lock()
	old, replaced := c.entries[key]
	c.entries[key] = Entry{Key: key, Path: cachePath, CreatedAt: now, ExpiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	if replaced && old.Path != cachePath {
		util.CleanupFile(old.Path)
	}
	slog.Debug("Cache.Set: stored", "key", key, "path", cachePath)
}

// Sweep evicts expired entries and deletes cache files older than the TTL.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			util.CleanupFile(entry.Path)
			removed++
		}
	}
	live := make(map[string]bool, len(c.entries))
	for _, entry := range c.entries {
		live[entry.Path] = true
	}
	c.mu.Unlock()

	files, err := os.ReadDir(c.dir)
	if err != nil {
		slog.Warn("Cache.Sweep: read dir failed", "dir", c.dir, "error", err)
		return removed
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		info, err := f.Info()
		if err != nil || live[path] {
			continue
		}
		if now.Sub(info.ModTime()) > c.ttl {
			util.CleanupFile(path)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Cache.Sweep: evicted artifacts", "count", removed)
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Do returns a caller-owned file for key, producing it on a miss. Concurrent
// calls for the same key share one production; the caller that ran it gets
// the produced file and the others get copies from the cache. The boolean
// reports whether the result came from the cache.
func (c *Cache) Do(ctx context.Context, key string, produce func(ctx context.Context) (string, error)) (string, bool, error) {
	if path, ok := c.Checkout(key); ok {
		slog.Debug("Cache.Do: hit", "key", key)
		return path, true, nil
	}

	var led bool
	v, err, _ := c.group.Do(key, func() (any, error) {
		led = true
		path, err := produce(ctx)
		if err != nil {
			return "", err
		}
		c.Set(key, path)
		return path, nil
	})
	if err != nil {
		return "", false, err
	}
	if led {
		return v.(string), false, nil
	}
	if path, ok := c.Checkout(key); ok {
		return path, true, nil
	}
	return "", false, ErrNotCached
}

// Len reports the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
