// Package worker is the HTTP client for the media conversion worker. It posts
// files as multipart forms and normalizes the worker's loosely shaped JSON
// replies into models.ArtifactResult.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PackPipe/internal/models"
)

const (
	DefaultConvertTimeout = 300 * time.Second
	DefaultLightTimeout   = 30 * time.Second
	DefaultRenderTimeout  = 120 * time.Second
)

// Opts holds configuration for the worker client.
type Opts struct {
	BaseURL        string
	OutputDir      string
	ConvertTimeout time.Duration
	LightTimeout   time.Duration
	RenderTimeout  time.Duration
	HTTPClient     *http.Client
}

// Option configures the worker client.
type Option func(*Opts)

// WithBaseURL sets the worker's base URL, e.g. http://worker:8000.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithOutputDir sets where outputs are written once taken over from the worker.
func WithOutputDir(dir string) Option {
	return func(o *Opts) { o.OutputDir = dir }
}

// WithTimeouts overrides the per-operation timeouts. Zero values keep the default.
func WithTimeouts(convert, light, render time.Duration) Option {
	return func(o *Opts) {
		if convert > 0 {
			o.ConvertTimeout = convert
		}
		if light > 0 {
			o.LightTimeout = light
		}
		if render > 0 {
			o.RenderTimeout = render
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the conversion worker.
type Client struct {
	baseURL        string
	outputDir      string
	convertTimeout time.Duration
	lightTimeout   time.Duration
	renderTimeout  time.Duration
	http           *http.Client
}

// NewClient creates a worker client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		OutputDir:      filepath.Join(os.TempDir(), "packpipe", "work"),
		ConvertTimeout: DefaultConvertTimeout,
		LightTimeout:   DefaultLightTimeout,
		RenderTimeout:  DefaultRenderTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("worker base URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker output dir: %w", err)
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		outputDir:      cfg.OutputDir,
		convertTimeout: cfg.ConvertTimeout,
		lightTimeout:   cfg.LightTimeout,
		renderTimeout:  cfg.RenderTimeout,
		http:           cfg.HTTPClient,
	}, nil
}

// Convert turns a GIF, video or image into a sticker-sized artifact.
func (c *Client) Convert(ctx context.Context, path string, opts models.ConvertOptions) (models.ArtifactResult, error) {
	if opts.PreferSeconds <= 0 {
		opts.PreferSeconds = models.DefaultConvertOptions().PreferSeconds
	}
	if opts.PadMode == "" {
		opts.PadMode = models.DefaultConvertOptions().PadMode
	}
	slog.Debug("Client.Convert", "path", path, "preferSeconds", opts.PreferSeconds, "padMode", opts.PadMode)
	return c.post(ctx, "/convert", c.convertTimeout, []formFile{{field: "file", path: path}}, map[string]string{
		"prefer_seconds": strconv.FormatFloat(opts.PreferSeconds, 'f', -1, 64),
		"pad_mode":       opts.PadMode,
	})
}

// PrepareAsset normalizes a base image to a 512x512 PNG.
func (c *Client) PrepareAsset(ctx context.Context, path string) (models.ArtifactResult, error) {
	slog.Debug("Client.PrepareAsset", "path", path)
	return c.post(ctx, "/prepare_asset", c.lightTimeout, []formFile{{field: "file", path: path}}, nil)
}

// Generate renders a blueprint onto a base image.
func (c *Client) Generate(ctx context.Context, basePath string, blueprint models.Blueprint) (models.ArtifactResult, error) {
	bp, err := marshalBlueprint(blueprint)
	if err != nil {
		return models.ArtifactResult{}, err
	}
	slog.Debug("Client.Generate", "path", basePath, "template", blueprint.Template, "variation", blueprint.Variation)
	return c.post(ctx, "/ai/render", c.renderTimeout, []formFile{{field: "base_image", path: basePath}}, map[string]string{
		"blueprint_json": bp,
	})
}

type formFile struct {
	field string
	path  string
}

func (c *Client) post(ctx context.Context, endpoint string, timeout time.Duration, files []formFile, fields map[string]string) (models.ArtifactResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, contentType, err := buildForm(files, fields)
	if err != nil {
		return models.ArtifactResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ArtifactResult{}, fmt.Errorf("%w: %s after %v", ErrTimeout, endpoint, timeout)
		}
		return models.ArtifactResult{}, fmt.Errorf("worker %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("read worker %s response: %w", endpoint, err)
	}
	slog.Debug("Client.post: worker replied", "endpoint", endpoint, "status", resp.StatusCode, "bytes", len(raw), "elapsed", time.Since(start))

	if resp.StatusCode >= 300 {
		return models.ArtifactResult{}, &Error{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return c.normalize(ctx, endpoint, raw)
}

func buildForm(files []formFile, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		src, err := os.Open(f.path)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", f.field, err)
		}
		part, err := w.CreateFormFile(f.field, filepath.Base(f.path))
		if err == nil {
			_, err = io.Copy(part, src)
		}
		src.Close()
		if err != nil {
			return nil, "", fmt.Errorf("write %s: %w", f.field, err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func marshalBlueprint(bp models.Blueprint) (string, error) {
	data, err := json.Marshal(bp)
	if err != nil {
		return "", fmt.Errorf("marshal blueprint: %w", err)
	}
	return string(data), nil
}
