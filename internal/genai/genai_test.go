package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func chatReply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

// mockImageService implements imageService for testing.
type mockImageService struct {
	resp   openai.ImagesResponse
	err    error
	prompt string
}

func (m *mockImageService) Edit(ctx context.Context, params openai.ImageEditParams) (openai.ImagesResponse, error) {
	m.prompt = params.Prompt
	return m.resp, m.err
}

type staticPlanner struct{ calls int }

func (s *staticPlanner) Plan(ctx context.Context, theme, userContext string, count int) ([]models.Blueprint, error) {
	s.calls++
	out := make([]models.Blueprint, count)
	for i := range out {
		out[i] = models.Blueprint{Template: "GM", Theme: theme, Variation: i}
	}
	return out, nil
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGenerateWithMessages_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply("Hello World")}}
	out, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(WithOutputDir(t.TempDir())); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithOutputDir(t.TempDir()))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(models.Blueprint{
		Template: "gm",
		Text:     models.BlueprintText{Content: "gm fren", Uppercase: true, Placement: "top"},
		Context:  "coffee",
	})
	for _, want := range []string{"waving hello", `"GM FREN"`, "at the top", "Context: coffee."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt %q missing %q", prompt, want)
		}
	}

	if got := BuildPrompt(models.Blueprint{Prompt: "custom"}); got != "custom" {
		t.Errorf("explicit prompt should win, got %q", got)
	}
}

func TestGenerate_WritesPNG(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.png")
	if err := os.WriteFile(base, tinyPNG(t), 0o644); err != nil {
		t.Fatal(err)
	}
	images := &mockImageService{resp: openai.ImagesResponse{
		Data: []openai.Image{{B64JSON: base64.StdEncoding.EncodeToString(tinyPNG(t))}},
	}}
	client := &Client{images: images, imageModel: openai.ImageModelGPTImage1, outputDir: dir}

	res, err := client.Generate(context.Background(), base, models.Blueprint{Template: "LFG"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Metadata.Width != 4 || res.Metadata.Height != 3 {
		t.Errorf("expected 4x3, got %dx%d", res.Metadata.Width, res.Metadata.Height)
	}
	if filepath.Ext(res.OutputPath) != ".png" {
		t.Errorf("expected png output, got %s", res.OutputPath)
	}
	if !strings.Contains(images.prompt, "pumping fist") {
		t.Errorf("expected template action in prompt, got %q", images.prompt)
	}
}

func TestGenerate_NoImage(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.png")
	os.WriteFile(base, []byte("x"), 0o644)
	client := &Client{images: &mockImageService{}, outputDir: dir}

	_, err := client.Generate(context.Background(), base, models.Blueprint{})
	if !errors.Is(err, ErrNoImageReturned) {
		t.Errorf("expected ErrNoImageReturned, got %v", err)
	}
}

func TestPlanner_ParsesFencedAndMalformedReply(t *testing.T) {
	reply := "Here you go:\n```json\n{\"stickers\": [\n" +
		`{"template": "gm", "text": "gm", "colors": {"primary": "#FFD700"}},` + "\n" +
		`{"template": "HODL", "text": {"content": "hodl", "uppercase": true}},` + "\n" +
		"]}\n```"
	client := &Client{chat: &mockChatService{resp: chatReply(reply)}}
	fallback := &staticPlanner{}
	p := NewPlanner(client, fallback)

	bps, err := p.Plan(context.Background(), "degen", "moon", 2)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(bps) != 2 {
		t.Fatalf("expected 2 blueprints, got %d", len(bps))
	}
	if bps[0].Template != "GM" || bps[0].Text.Content != "gm" {
		t.Errorf("unexpected first blueprint %+v", bps[0])
	}
	if bps[1].Text.Content != "hodl" || !bps[1].Text.Uppercase {
		t.Errorf("unexpected second blueprint %+v", bps[1])
	}
	if bps[1].Theme != "degen" || bps[1].Context != "moon" || bps[1].Variation != 1 {
		t.Errorf("theme/context/variation not stamped: %+v", bps[1])
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be used, called %d times", fallback.calls)
	}
}

func TestPlanner_TopsUpShortReply(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatReply(`[{"template": "SER"}]`)}}
	p := NewPlanner(client, &staticPlanner{})

	bps, err := p.Plan(context.Background(), "wholesome", "", 3)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(bps) != 3 || bps[0].Template != "SER" || bps[2].Variation != 2 {
		t.Errorf("unexpected blueprints %+v", bps)
	}
}

func TestPlanner_FallsBackOnError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("rate limited")}}
	fallback := &staticPlanner{}
	p := NewPlanner(client, fallback)

	bps, err := p.Plan(context.Background(), "builder", "", 6)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(bps) != 6 || fallback.calls != 1 {
		t.Errorf("expected fallback plan of 6, got %d (calls=%d)", len(bps), fallback.calls)
	}

	if _, err := NewPlanner(client, nil).Plan(context.Background(), "builder", "", 6); err == nil {
		t.Error("expected error without fallback")
	}
}
