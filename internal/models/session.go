package models

// Mode selects which conversational handlers are active for an actor.
type Mode string

const (
	ModeNone          Mode = ""
	ModeBatch         Mode = "batch"
	ModeSingleConvert Mode = "convert"
	ModeGenerateOne   Mode = "ai"
	ModeGeneratePack  Mode = "pack"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeBatch, ModeSingleConvert, ModeGenerateOne, ModeGeneratePack:
		return true
	}
	return false
}

// PackAction is the actor's choice between creating a pack and extending one.
type PackAction string

const (
	PackActionNone     PackAction = ""
	PackActionNew      PackAction = "new"
	PackActionExisting PackAction = "existing"
)

// StickerFormat is the output format of a converted artifact.
type StickerFormat string

const (
	FormatUnknown StickerFormat = ""
	FormatStatic  StickerFormat = "static"
	FormatVideo   StickerFormat = "video"
)

// ArtifactMetadata carries the measurements reported by the conversion or
// generation service for one output file.
type ArtifactMetadata struct {
	DurationSec float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	KB          int     `json:"kb" yaml:"kb"`
	Width       int     `json:"width" yaml:"width"`
	Height      int     `json:"height" yaml:"height"`
	FPS         float64 `json:"fps,omitempty" yaml:"fps,omitempty"`
}

// BufferedArtifact is one converted file waiting to be packaged.
type BufferedArtifact struct {
	SourceRef string           `json:"source_ref"`
	LocalPath string           `json:"local_path"`
	Format    StickerFormat    `json:"format"`
	Metadata  ArtifactMetadata `json:"metadata"`
}

// Session is the conversation state of one actor. The zero value is the
// default session.
type Session struct {
	Mode     Mode               `json:"mode"`
	Buffered []BufferedArtifact `json:"buffered,omitempty"`

	Title         string        `json:"title,omitempty"`
	Emoji         string        `json:"emoji,omitempty"`
	Template      string        `json:"template,omitempty"`
	PackSize      int           `json:"pack_size,omitempty"`
	Theme         string        `json:"theme,omitempty"`
	Context       string        `json:"context,omitempty"`
	ContextSet    bool          `json:"context_set,omitempty"`
	PackName      string        `json:"pack_name,omitempty"`
	PackAction    PackAction    `json:"pack_action,omitempty"`
	Format        StickerFormat `json:"format,omitempty"`
	AwaitingEmoji bool          `json:"awaiting_emoji,omitempty"`
	Generating    bool          `json:"generating,omitempty"`
	EmojiPage     int           `json:"emoji_page,omitempty"`

	// BaseImageRef is the gateway file reference of the base image used by
	// the generation modes.
	BaseImageRef  string `json:"base_image_ref,omitempty"`
	BaseImageMime string `json:"base_image_mime,omitempty"`
}

// Clone returns a copy of s that shares no mutable state with it.
func (s Session) Clone() Session {
	c := s
	if s.Buffered != nil {
		c.Buffered = make([]BufferedArtifact, len(s.Buffered))
		copy(c.Buffered, s.Buffered)
	}
	return c
}

// SessionPatch lists the fields to overwrite in a merge. Nil fields are left
// untouched.
type SessionPatch struct {
	Mode          *Mode
	Buffered      *[]BufferedArtifact
	Title         *string
	Emoji         *string
	Template      *string
	PackSize      *int
	Theme         *string
	Context       *string
	PackName      *string
	PackAction    *PackAction
	Format        *StickerFormat
	AwaitingEmoji *bool
	Generating    *bool
	EmojiPage     *int
	BaseImageRef  *string
	BaseImageMime *string
}

// Apply merges the set fields of p into s.
func (p SessionPatch) Apply(s *Session) {
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.Buffered != nil {
		s.Buffered = append([]BufferedArtifact(nil), (*p.Buffered)...)
	}
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Emoji != nil {
		s.Emoji = *p.Emoji
	}
	if p.Template != nil {
		s.Template = *p.Template
	}
	if p.PackSize != nil {
		s.PackSize = *p.PackSize
	}
	if p.Theme != nil {
		s.Theme = *p.Theme
	}
	if p.Context != nil {
		s.Context = *p.Context
		s.ContextSet = true
	}
	if p.PackName != nil {
		s.PackName = *p.PackName
	}
	if p.PackAction != nil {
		s.PackAction = *p.PackAction
	}
	if p.Format != nil {
		s.Format = *p.Format
	}
	if p.AwaitingEmoji != nil {
		s.AwaitingEmoji = *p.AwaitingEmoji
	}
	if p.Generating != nil {
		s.Generating = *p.Generating
	}
	if p.EmojiPage != nil {
		s.EmojiPage = *p.EmojiPage
	}
	if p.BaseImageRef != nil {
		s.BaseImageRef = *p.BaseImageRef
	}
	if p.BaseImageMime != nil {
		s.BaseImageMime = *p.BaseImageMime
	}
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
