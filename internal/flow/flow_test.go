package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	f := New(Deps{Messenger: newFakeMessenger()})
	t.Cleanup(f.Close)

	assert.Equal(t, DefaultMaxBatchSize, f.opts.MaxBatchSize)
	assert.Equal(t, DefaultDebounce, f.opts.Debounce)
	assert.NotNil(t, f.Sessions())
	assert.NotNil(t, f.Batches())
	assert.NotNil(t, f.catalog)
	assert.Same(t, f.catalog, f.planner)
}

func TestCatalogPlanner_TemplatesMatchMenu(t *testing.T) {
	p, err := NewCatalogPlanner()
	require.NoError(t, err)
	for _, id := range TemplateIDs() {
		bp, ok := p.Blueprint(id, "ctx")
		require.True(t, ok, id)
		assert.Equal(t, id, bp.Template)
		assert.Equal(t, "ctx", bp.Context)
		assert.NotEmpty(t, bp.Text.Content, id)
	}
	_, ok := p.Blueprint("NOPE", "")
	assert.False(t, ok)
}

func TestCatalogPlanner_PlanCyclesThemeTemplates(t *testing.T) {
	p := MustCatalogPlanner()
	for _, theme := range Themes {
		for _, n := range PackSizes {
			got, err := p.Plan(context.Background(), theme, "frog coin", n)
			require.NoError(t, err)
			require.Len(t, got, n)
			for i, bp := range got {
				assert.Equal(t, theme, bp.Theme)
				assert.Equal(t, i, bp.Variation)
				assert.Equal(t, "frog coin", bp.Context)
				assert.True(t, ValidTemplate(bp.Template))
			}
		}
	}

	got, err := p.Plan(context.Background(), "degen", "", 24)
	require.NoError(t, err)
	assert.Equal(t, got[0].Template, got[12].Template)
	assert.Equal(t, "high", got[12].Animation.Intensity)
}

func TestCatalogPlanner_BlueprintsAreIndependent(t *testing.T) {
	p := MustCatalogPlanner()
	a, _ := p.Blueprint("GM", "")
	a.Animation.Effects = append(a.Animation.Effects[:0], "mutated")
	b, _ := p.Blueprint("GM", "")
	assert.NotContains(t, b.Animation.Effects, "mutated")
}

func TestCatalogPlanner_UnknownTheme(t *testing.T) {
	_, err := MustCatalogPlanner().Plan(context.Background(), "spooky", "", 6)
	assert.True(t, errors.Is(err, ErrUnknownTheme))
}

func TestValidTemplate(t *testing.T) {
	assert.True(t, ValidTemplate("gm"))
	assert.True(t, ValidTemplate(" WAGMI "))
	assert.False(t, ValidTemplate("gmi"))
	assert.False(t, ValidTemplate(""))
}

func TestValidEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"🐸", true},
		{"❤️", true},
		{"👍🏽", true},
		{"1️⃣", true},
		{"", false},
		{"a", false},
		{"12", false},
		{"ok🐸", false},
		{"🐸🐸🐸🐸🐸", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validEmoji(tt.in), "%q", tt.in)
	}
}

func TestEmojiPickerButtons(t *testing.T) {
	first := emojiPickerButtons(0)
	assert.Len(t, first, emojiPerPage+2)
	assert.Equal(t, callbackEmojiPick+DefaultEmoji, first[len(first)-1].ID)
	assert.Equal(t, callbackEmojiPage+"1", first[len(first)-2].ID)

	lastPage := (len(emojiChoices)+emojiPerPage-1)/emojiPerPage - 1
	last := emojiPickerButtons(lastPage + 5)
	assert.Equal(t, emojiPickerButtons(lastPage), last, "out of range pages clamp")
	for _, b := range last {
		assert.NotEqual(t, "Next ➡️", b.Title)
	}
}
