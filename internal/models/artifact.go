package models

// ArtifactResult is the normalized success result of a conversion or
// generation call.
type ArtifactResult struct {
	OutputPath string           `json:"output_path"`
	Metadata   ArtifactMetadata `json:"metadata"`
}

// BlueprintText describes the caption rendered onto a sticker.
type BlueprintText struct {
	Content     string `json:"content" yaml:"content"`
	MaxLength   int    `json:"max_length" yaml:"max_length"`
	Uppercase   bool   `json:"uppercase" yaml:"uppercase"`
	FontSize    int    `json:"font_size" yaml:"font_size"`
	Placement   string `json:"placement" yaml:"placement"`
	StrokeWidth int    `json:"stroke_width" yaml:"stroke_width"`
}

// BlueprintColors is the palette of a sticker.
type BlueprintColors struct {
	Primary   string `json:"primary,omitempty" yaml:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty" yaml:"secondary,omitempty"`
	Text      string `json:"text,omitempty" yaml:"text,omitempty"`
}

// BlueprintAnimation describes the motion of an animated sticker.
type BlueprintAnimation struct {
	Style     string   `json:"style" yaml:"style"`
	Intensity string   `json:"intensity" yaml:"intensity"`
	Effects   []string `json:"effects,omitempty" yaml:"effects,omitempty"`
}

// Blueprint is the render recipe handed to the generation service.
type Blueprint struct {
	Template  string             `json:"template" yaml:"id"`
	Text      BlueprintText      `json:"text" yaml:"text"`
	Colors    BlueprintColors    `json:"colors" yaml:"colors"`
	Animation BlueprintAnimation `json:"animation" yaml:"animation"`
	Prompt    string             `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Theme     string             `json:"theme,omitempty" yaml:"-"`
	Context   string             `json:"context,omitempty" yaml:"-"`
	Variation int                `json:"variation" yaml:"-"`
}

// ConvertOptions tunes a conversion request.
type ConvertOptions struct {
	PreferSeconds float64 `json:"prefer_seconds"`
	PadMode       string  `json:"pad_mode"`
}

// DefaultConvertOptions returns the settings used for sticker conversion.
func DefaultConvertOptions() ConvertOptions {
	return ConvertOptions{PreferSeconds: 2.8, PadMode: "transparent"}
}
