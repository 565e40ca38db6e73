package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/PackPipe/internal/cache"
	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/util"
)

var videoMimes = map[string]string{
	"video/gif":       ".gif",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

var imageMimes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
}

func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

func isVideoMime(mime string) bool {
	_, ok := videoMimes[normalizeMime(mime)]
	return ok
}

func isImageMime(mime string) bool {
	_, ok := imageMimes[normalizeMime(mime)]
	return ok
}

func extForMime(mime string) string {
	mime = normalizeMime(mime)
	if ext, ok := videoMimes[mime]; ok {
		return ext
	}
	if ext, ok := imageMimes[mime]; ok {
		return ext
	}
	return ".bin"
}

// mimeForFormat is the MIME type of an artifact sent back to the actor.
func mimeForFormat(format models.StickerFormat) string {
	if format == models.FormatStatic {
		return "image/png"
	}
	return "video/webm"
}

// download fetches an inbound file into the work directory.
func (f *Flow) download(ctx context.Context, fileRef, mime, prefix string) (string, error) {
	path, err := util.TempFilePath(f.opts.WorkDir, prefix, extForMime(mime))
	if err != nil {
		return "", err
	}
	dctx, cancel := context.WithTimeout(ctx, f.opts.DownloadTimeout)
	defer cancel()
	if err := f.msg.Download(dctx, fileRef, path); err != nil {
		util.CleanupFile(path)
		return "", fmt.Errorf("download %s: %w", fileRef, err)
	}
	return path, nil
}

// cachedArtifact runs produce through the artifact cache, keyed by the bytes
// of srcPath and params. The returned file is owned by the caller. Metadata
// is cached next to the artifact so hits report the same measurements.
func (f *Flow) cachedArtifact(ctx context.Context, srcPath string, params map[string]any, produce func(ctx context.Context) (models.ArtifactResult, error)) (models.ArtifactResult, bool, error) {
	if f.cache == nil {
		res, err := produce(ctx)
		return res, false, err
	}
	key, err := cache.KeyFile(srcPath, params)
	if err != nil {
		return models.ArtifactResult{}, false, err
	}

	var produced models.ArtifactResult
	path, hit, err := f.cache.Do(ctx, key, func(ctx context.Context) (string, error) {
		res, err := produce(ctx)
		if err != nil {
			return "", err
		}
		produced = res
		f.storeMetadata(key, res.Metadata)
		return res.OutputPath, nil
	})
	if err != nil {
		return models.ArtifactResult{}, false, err
	}
	if !hit {
		produced.OutputPath = path
		return produced, false, nil
	}
	slog.Debug("Flow.cachedArtifact: served from cache", "key", key)
	return models.ArtifactResult{OutputPath: path, Metadata: f.loadMetadata(key, path)}, true, nil
}

func metadataKey(key string) string {
	return key + "_meta"
}

func (f *Flow) storeMetadata(key string, meta models.ArtifactMetadata) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	tmp, err := util.WriteTempFile(f.opts.WorkDir, "meta_", ".json", strings.NewReader(string(data)))
	if err != nil {
		slog.Warn("Flow.storeMetadata: write failed", "key", key, "error", err)
		return
	}
	defer util.CleanupFile(tmp)
	f.cache.Set(metadataKey(key), tmp)
}

// loadMetadata reads cached metadata, falling back to the file size when the
// metadata entry is gone.
func (f *Flow) loadMetadata(key, artifactPath string) models.ArtifactMetadata {
	var meta models.ArtifactMetadata
	if path, ok := f.cache.Checkout(metadataKey(key)); ok {
		defer util.CleanupFile(path)
		if data, err := os.ReadFile(path); err == nil && json.Unmarshal(data, &meta) == nil {
			return meta
		}
	}
	if info, err := os.Stat(artifactPath); err == nil {
		meta.KB = int((info.Size() + 1023) / 1024)
	}
	return meta
}
