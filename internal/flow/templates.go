package flow

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/PackPipe/internal/models"
)

//go:embed templates.yaml
var catalogYAML []byte

// Pack sizes and themes offered by the GeneratePack flow.
var (
	PackSizes = []int{6, 12}
	Themes    = []string{"degen", "wholesome", "builder"}
)

var templateIDs = []string{"GM", "GN", "LFG", "HIGHER", "HODL", "WAGMI", "NGMI", "SER", "REKT", "ALPHA"}

// ErrUnknownTheme is returned when planning a pack for a theme the catalog
// does not define.
var ErrUnknownTheme = errors.New("unknown theme")

// TemplateIDs returns the template IDs in menu order.
func TemplateIDs() []string {
	return slices.Clone(templateIDs)
}

// ValidTemplate reports whether id names a template, ignoring case.
func ValidTemplate(id string) bool {
	return slices.Contains(templateIDs, strings.ToUpper(strings.TrimSpace(id)))
}

type themeDef struct {
	Mood      string   `yaml:"mood"`
	Templates []string `yaml:"templates"`
}

type catalogFile struct {
	Templates []models.Blueprint  `yaml:"templates"`
	Themes    map[string]themeDef `yaml:"themes"`
}

// CatalogPlanner drafts blueprints from the embedded template catalog. It
// never calls out and always succeeds for known themes.
type CatalogPlanner struct {
	templates map[string]models.Blueprint
	themes    map[string]themeDef
}

var _ Planner = (*CatalogPlanner)(nil)

// NewCatalogPlanner parses the embedded catalog.
func NewCatalogPlanner() (*CatalogPlanner, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(catalogYAML, &cf); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	p := &CatalogPlanner{
		templates: make(map[string]models.Blueprint, len(cf.Templates)),
		themes:    cf.Themes,
	}
	for _, bp := range cf.Templates {
		p.templates[bp.Template] = bp
	}
	for theme, def := range cf.Themes {
		for _, id := range def.Templates {
			if _, ok := p.templates[id]; !ok {
				return nil, fmt.Errorf("theme %s references unknown template %s", theme, id)
			}
		}
	}
	return p, nil
}

// MustCatalogPlanner is NewCatalogPlanner for the embedded catalog, which is
// known to parse.
func MustCatalogPlanner() *CatalogPlanner {
	p, err := NewCatalogPlanner()
	if err != nil {
		panic(err)
	}
	return p
}

// Blueprint returns the catalog blueprint for a template.
func (p *CatalogPlanner) Blueprint(templateID, userContext string) (models.Blueprint, bool) {
	bp, ok := p.templates[strings.ToUpper(strings.TrimSpace(templateID))]
	if !ok {
		return models.Blueprint{}, false
	}
	bp.Animation.Effects = slices.Clone(bp.Animation.Effects)
	bp.Context = userContext
	return bp, true
}

// Plan cycles through the theme's templates until count blueprints exist.
// Repeated templates get a distinct variation number and a stronger motion.
func (p *CatalogPlanner) Plan(_ context.Context, theme, userContext string, count int) ([]models.Blueprint, error) {
	def, ok := p.themes[theme]
	if !ok || len(def.Templates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTheme, theme)
	}
	out := make([]models.Blueprint, 0, count)
	for i := 0; i < count; i++ {
		bp, _ := p.Blueprint(def.Templates[i%len(def.Templates)], userContext)
		if i >= len(def.Templates) {
			bp.Animation.Intensity = "high"
		}
		bp.Theme = theme
		bp.Variation = i
		bp.Prompt = "Mood: " + def.Mood
		out = append(out, bp)
	}
	return out, nil
}
