// Package genai provides the OpenAI-backed generation collaborators: an image
// Generator that renders a blueprint onto a base image and a Planner that
// drafts blueprint variations for a pack.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var (
	// ErrNoChoicesReturned is returned when a chat completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoImageReturned is returned when an image edit has no image data.
	ErrNoImageReturned = errors.New("no image returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// imageService defines minimal interface for image edits.
type imageService interface {
	Edit(ctx context.Context, params openai.ImageEditParams) (openai.ImagesResponse, error)
}

type openAIChat struct{ client openai.Client }

func (o openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openAIImages struct{ client openai.Client }

func (o openAIImages) Edit(ctx context.Context, params openai.ImageEditParams) (openai.ImagesResponse, error) {
	resp, err := o.client.Images.Edit(ctx, params)
	if err != nil {
		return openai.ImagesResponse{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	ImageModel  string
	Temperature float64
	OutputDir   string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for planning.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithImageModel sets the image model used for generation.
func WithImageModel(model string) Option {
	return func(o *Opts) { o.ImageModel = model }
}

// WithTemperature sets the sampling temperature for planning.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithOutputDir sets where generated images are written.
func WithOutputDir(dir string) Option {
	return func(o *Opts) { o.OutputDir = dir }
}

// Client wraps the OpenAI chat and image services.
type Client struct {
	chat        chatService
	images      imageService
	model       string
	imageModel  string
	temperature float64
	outputDir   string
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       openai.ChatModelGPT4oMini,
		ImageModel:  openai.ImageModelGPTImage1,
		Temperature: 0.9,
		OutputDir:   filepath.Join(os.TempDir(), "packpipe", "work"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create genai output dir: %w", err)
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client ready", "model", cfg.Model, "imageModel", cfg.ImageModel)
	return &Client{
		chat:        openAIChat{client: cli},
		images:      openAIImages{client: cli},
		model:       cfg.Model,
		imageModel:  cfg.ImageModel,
		temperature: cfg.Temperature,
		outputDir:   cfg.OutputDir,
	}, nil
}

// GenerateWithMessages runs one chat completion and returns the first
// choice's content.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateWithMessages: completion failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
