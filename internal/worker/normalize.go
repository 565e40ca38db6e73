package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/util"
)

var (
	// ErrEmptyOutput is returned when a successful reply names no usable file.
	ErrEmptyOutput = errors.New("worker returned no output")
	// ErrTimeout is returned when a request exceeds its operation timeout.
	ErrTimeout = errors.New("worker request timed out")
	// ErrMalformed is returned when a reply cannot be read as JSON even after repair.
	ErrMalformed = errors.New("malformed worker response")
)

// Error is a failure reported by the worker itself.
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

var (
	pathKeys = []string{"output_path", "path", "file_path"}
	urlKeys  = []string{"output_url", "url", "download_url"}
	b64Keys  = []string{"output_b64", "b64_json", "data"}
)

// repair returns raw as valid JSON, fixing it with jsonrepair when needed.
func repair(raw []byte) (string, error) {
	s := strings.TrimSpace(string(raw))
	if gjson.Valid(s) {
		return s, nil
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !gjson.Valid(fixed) {
		return "", ErrMalformed
	}
	slog.Debug("worker.repair: repaired malformed reply", "before", len(s), "after", len(fixed))
	return fixed, nil
}

// errorMessage extracts a readable message from an error reply. Both
// {"error": "..."} and FastAPI's {"detail": ...} shapes are understood.
func errorMessage(raw []byte) string {
	s, err := repair(raw)
	if err != nil {
		return truncate(strings.TrimSpace(string(raw)), 200)
	}
	root := gjson.Parse(s)
	if v := root.Get("error"); v.Exists() {
		if v.IsObject() && v.Get("message").Exists() {
			return v.Get("message").String()
		}
		return v.String()
	}
	if v := root.Get("detail"); v.Exists() {
		if v.IsArray() {
			var msgs []string
			v.ForEach(func(_, item gjson.Result) bool {
				if m := item.Get("msg"); m.Exists() {
					msgs = append(msgs, m.String())
				} else {
					msgs = append(msgs, item.String())
				}
				return true
			})
			return strings.Join(msgs, "; ")
		}
		return v.String()
	}
	return truncate(s, 200)
}

func (c *Client) normalize(ctx context.Context, endpoint string, raw []byte) (models.ArtifactResult, error) {
	s, err := repair(raw)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("worker %s: %w", endpoint, err)
	}
	root := gjson.Parse(s)
	if r := root.Get("result"); r.IsObject() {
		root = r
	}
	if !hasOutput(root) {
		if root.Get("error").Exists() || root.Get("detail").Exists() {
			return models.ArtifactResult{}, &Error{Endpoint: endpoint, StatusCode: http.StatusOK, Message: errorMessage([]byte(s))}
		}
		return models.ArtifactResult{}, fmt.Errorf("worker %s: %w", endpoint, ErrEmptyOutput)
	}

	out, err := c.takeOutput(ctx, root)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("worker %s: %w", endpoint, err)
	}

	meta := models.ArtifactMetadata{
		DurationSec: root.Get("duration").Float(),
		KB:          int(math.Round(root.Get("kb").Float())),
		Width:       int(root.Get("width").Int()),
		Height:      int(root.Get("height").Int()),
		FPS:         root.Get("fps").Float(),
	}
	if meta.KB == 0 {
		if info, err := os.Stat(out); err == nil {
			meta.KB = int(math.Ceil(float64(info.Size()) / 1024))
		}
	}
	return models.ArtifactResult{OutputPath: out, Metadata: meta}, nil
}

func hasOutput(root gjson.Result) bool {
	for _, keys := range [][]string{pathKeys, urlKeys, b64Keys} {
		if firstString(root, keys) != "" {
			return true
		}
	}
	return false
}

func firstString(root gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// takeOutput copies the worker's output into the client's output directory.
// A shared-volume path is preferred, then a URL, then inline base64.
func (c *Client) takeOutput(ctx context.Context, root gjson.Result) (string, error) {
	format := root.Get("format").String()

	if p := firstString(root, pathKeys); p != "" && util.FileExists(p) {
		dst, err := util.TempFilePath(c.outputDir, "out_", extFor(filepath.Ext(p), format))
		if err != nil {
			return "", err
		}
		if err := util.CopyFile(p, dst); err != nil {
			return "", fmt.Errorf("copy worker output: %w", err)
		}
		return dst, nil
	}

	if u := firstString(root, urlKeys); u != "" {
		return c.download(ctx, u, format)
	}

	if b := firstString(root, b64Keys); b != "" {
		if i := strings.Index(b, ","); strings.HasPrefix(b, "data:") && i > 0 {
			b = b[i+1:]
		}
		data, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("decode base64 output: %w", err)
		}
		ext := extFor("", format)
		if ext == "" {
			ext = extForContentType(http.DetectContentType(data))
		}
		return util.WriteTempFile(c.outputDir, "out_", ext, bytes.NewReader(data))
	}

	return "", fmt.Errorf("%w: output path not reachable", ErrEmptyOutput)
}

func (c *Client) download(ctx context.Context, rawURL, format string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse output url: %w", err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.baseURL + "/")
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		u = base.ResolveReference(u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("download output: status %d", resp.StatusCode)
	}

	ext := extFor(path.Ext(u.Path), format)
	if ext == "" {
		ext = extForContentType(resp.Header.Get("Content-Type"))
	}
	return util.WriteTempFile(c.outputDir, "out_", ext, resp.Body)
}

func extFor(fromPath, format string) string {
	if fromPath != "" {
		return fromPath
	}
	if format != "" {
		return "." + strings.TrimPrefix(strings.ToLower(format), ".")
	}
	return ""
}

func extForContentType(ct string) string {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/webm":
		return ".webm"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	}
	return ".bin"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
