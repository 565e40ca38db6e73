package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// BlueprintPlanner drafts count blueprints for a themed pack.
type BlueprintPlanner interface {
	Plan(ctx context.Context, theme, userContext string, count int) ([]models.Blueprint, error)
}

const plannerSystemPrompt = `You design sticker packs for crypto and internet communities.
Reply with JSON only: {"stickers": [{"template": "GM", "text": {"content": "gm", "uppercase": true, "placement": "bottom"}, "colors": {"primary": "#FFD700", "secondary": "#FF8C00"}, "animation": {"style": "bounce", "intensity": "medium"}, "prompt": "..."}]}.
Use short captions (max 12 characters). Every sticker must differ from the others.`

// Planner drafts pack blueprints with a chat model and falls back to another
// planner when the model is unavailable or its reply is unusable.
type Planner struct {
	client   *Client
	fallback BlueprintPlanner
}

// NewPlanner returns a Planner. fallback may be nil.
func NewPlanner(client *Client, fallback BlueprintPlanner) *Planner {
	return &Planner{client: client, fallback: fallback}
}

// Plan returns exactly count blueprints.
func (p *Planner) Plan(ctx context.Context, theme, userContext string, count int) ([]models.Blueprint, error) {
	user := fmt.Sprintf("Theme: %s\nCount: %d", theme, count)
	if userContext != "" {
		user += "\nContext: " + userContext
	}

	content, err := p.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(plannerSystemPrompt),
		openai.UserMessage(user),
	})
	if err != nil {
		return p.fallbackPlan(ctx, theme, userContext, count, err)
	}

	bps, err := parseBlueprints(content)
	if err != nil {
		return p.fallbackPlan(ctx, theme, userContext, count, err)
	}
	if len(bps) < count {
		if p.fallback == nil {
			return nil, fmt.Errorf("planner returned %d of %d blueprints", len(bps), count)
		}
		extra, err := p.fallback.Plan(ctx, theme, userContext, count)
		if err != nil {
			return nil, err
		}
		need := min(count-len(bps), len(extra))
		bps = append(bps, extra[:need]...)
	}
	if len(bps) > count {
		bps = bps[:count]
	}
	for i := range bps {
		bps[i].Theme = theme
		bps[i].Context = userContext
		bps[i].Variation = i
	}
	slog.Debug("Planner.Plan: planned blueprints", "theme", theme, "count", count)
	return bps, nil
}

func (p *Planner) fallbackPlan(ctx context.Context, theme, userContext string, count int, cause error) ([]models.Blueprint, error) {
	if p.fallback == nil {
		return nil, fmt.Errorf("plan blueprints: %w", cause)
	}
	slog.Warn("Planner.Plan: using fallback planner", "theme", theme, "error", cause)
	return p.fallback.Plan(ctx, theme, userContext, count)
}

// parseBlueprints reads a model reply that may be wrapped in prose or code
// fences, or be slightly malformed.
func parseBlueprints(content string) ([]models.Blueprint, error) {
	s := strings.TrimSpace(content)
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndexAny(s, "}]"); j >= 0 && j < len(s)-1 {
		s = s[:j+1]
	}
	if !gjson.Valid(s) {
		fixed, err := jsonrepair.JSONRepair(s)
		if err != nil {
			return nil, fmt.Errorf("repair planner reply: %w", err)
		}
		s = fixed
	}

	list := gjson.Parse(s)
	if list.IsObject() {
		list = list.Get("stickers")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("planner reply has no sticker list")
	}

	var bps []models.Blueprint
	for _, item := range list.Array() {
		bp, err := decodeBlueprint(item)
		if err != nil {
			slog.Debug("parseBlueprints: skipping malformed item", "error", err)
			continue
		}
		if bp.Template == "" && bp.Text.Content == "" {
			continue
		}
		bp.Template = strings.ToUpper(bp.Template)
		bps = append(bps, bp)
	}
	if len(bps) == 0 {
		return nil, fmt.Errorf("planner reply has no usable stickers")
	}
	return bps, nil
}

// decodeBlueprint accepts "text" either as an object or as a bare caption.
func decodeBlueprint(item gjson.Result) (models.Blueprint, error) {
	var aux struct {
		models.Blueprint
		Text json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal([]byte(item.Raw), &aux); err != nil {
		return models.Blueprint{}, err
	}
	bp := aux.Blueprint
	switch t := item.Get("text"); {
	case t.Type == gjson.String:
		bp.Text = models.BlueprintText{Content: t.String()}
	case t.IsObject():
		if err := json.Unmarshal(aux.Text, &bp.Text); err != nil {
			return models.Blueprint{}, err
		}
	}
	return bp, nil
}
