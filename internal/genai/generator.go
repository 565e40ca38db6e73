package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/PackPipe/internal/models"
	"github.com/BTreeMap/PackPipe/internal/util"
)

var actionPrompts = map[string]string{
	"GM":     "waving hello with a friendly smile, energetic and positive",
	"GN":     "waving goodnight with a calm, peaceful expression",
	"LFG":    "pumping fist in the air with excitement, highly enthusiastic",
	"HIGHER": "pointing upward with both hands, celebrating upward trend",
	"HODL":   "holding up a sign or making a \"hold\" gesture, determined expression",
	"WAGMI":  "giving thumbs up with optimistic smile, community-focused",
	"NGMI":   "shaking head with disappointed expression, ironic",
	"SER":    "making a respectful salute or bow gesture",
	"REKT":   "looking defeated with hands on head, showing heavy losses",
	"ALPHA":  "striking a confident pose, showing exclusivity and value",
}

// BuildPrompt turns a blueprint into an image-edit prompt. An explicit
// blueprint prompt wins.
func BuildPrompt(bp models.Blueprint) string {
	if bp.Prompt != "" {
		return bp.Prompt
	}
	action, ok := actionPrompts[strings.ToUpper(bp.Template)]
	if !ok {
		action = "performing a simple, clear gesture"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Turn the same character from the reference image into a sticker, %s. ", action)
	b.WriteString("Keep the character's identity, face, and outfit exactly the same. ")
	b.WriteString("Single character only, transparent background, bold outline, readable at small size. ")
	if bp.Text.Content != "" {
		text := bp.Text.Content
		if bp.Text.Uppercase {
			text = strings.ToUpper(text)
		}
		placement := bp.Text.Placement
		if placement == "" {
			placement = "bottom"
		}
		fmt.Fprintf(&b, "Add the caption %q at the %s in a thick meme font. ", text, placement)
	}
	if bp.Colors.Primary != "" {
		fmt.Fprintf(&b, "Palette: %s", bp.Colors.Primary)
		if bp.Colors.Secondary != "" {
			fmt.Fprintf(&b, " and %s", bp.Colors.Secondary)
		}
		b.WriteString(". ")
	}
	if bp.Theme != "" {
		fmt.Fprintf(&b, "Mood: %s. ", bp.Theme)
	}
	if bp.Context != "" {
		fmt.Fprintf(&b, "Context: %s. ", bp.Context)
	}
	return strings.TrimSpace(b.String())
}

// Generate renders bp onto the image at basePath and writes the result as a
// PNG in the client's output directory.
func (c *Client) Generate(ctx context.Context, basePath string, bp models.Blueprint) (models.ArtifactResult, error) {
	f, err := os.Open(basePath)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("open base image: %w", err)
	}
	defer f.Close()

	prompt := BuildPrompt(bp)
	slog.Debug("Client.Generate: editing image", "template", bp.Template, "variation", bp.Variation, "promptLength", len(prompt))

	resp, err := c.images.Edit(ctx, openai.ImageEditParams{
		Image:  openai.ImageEditParamsImageUnion{OfFile: f},
		Prompt: prompt,
		Model:  c.imageModel,
		N:      openai.Int(1),
	})
	if err != nil {
		slog.Error("Client.Generate: image edit failed", "template", bp.Template, "error", err)
		return models.ArtifactResult{}, fmt.Errorf("image edit: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return models.ArtifactResult{}, ErrNoImageReturned
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return models.ArtifactResult{}, fmt.Errorf("decode image: %w", err)
	}
	out, err := util.WriteTempFile(c.outputDir, "gen_", ".png", bytes.NewReader(data))
	if err != nil {
		return models.ArtifactResult{}, err
	}

	meta := models.ArtifactMetadata{KB: int(math.Ceil(float64(len(data)) / 1024))}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta.Width, meta.Height = cfg.Width, cfg.Height
	}
	return models.ArtifactResult{OutputPath: out, Metadata: meta}, nil
}
