package flow

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/PackPipe/internal/models"
)

// DefaultEmoji is applied when the actor takes the picker's default.
const DefaultEmoji = "😀"

const emojiPerPage = 8

// Callback data prefixes of the emoji picker.
const (
	callbackEmojiPick = "emoji_pick:"
	callbackEmojiPage = "emoji_page:"
)

var emojiChoices = []string{
	"😀", "😂", "🤣", "😎", "🥳", "😍", "🤩", "😭",
	"😤", "🤯", "🥶", "🤔", "🙃", "😴", "🤑", "🫡",
	"🔥", "🚀", "💎", "🌕", "📈", "📉", "💰", "🐸",
	"🐶", "🐱", "🦍", "🐳", "🦄", "🌈", "⭐", "⚡",
	"❤️", "💀", "👀", "👍", "🙏", "💪", "🎉", "☕",
}

// validEmoji accepts one to four non-ASCII runes, enough for modifiers and
// joiners. Keycaps are the only emoji that contain ASCII.
func validEmoji(s string) bool {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < 1 || n > 4 {
		return false
	}
	keycap := strings.ContainsRune(s, '\u20e3')
	for _, r := range s {
		if r < 0x80 && !keycap {
			return false
		}
	}
	return true
}

// emojiPickerButtons returns one page of the picker plus navigation.
func emojiPickerButtons(page int) []models.Button {
	pages := (len(emojiChoices) + emojiPerPage - 1) / emojiPerPage
	page = max(0, min(page, pages-1))
	start := page * emojiPerPage
	end := min(start+emojiPerPage, len(emojiChoices))

	buttons := make([]models.Button, 0, end-start+3)
	for _, e := range emojiChoices[start:end] {
		buttons = append(buttons, models.Button{ID: callbackEmojiPick + e, Title: e})
	}
	if page > 0 {
		buttons = append(buttons, models.Button{ID: callbackEmojiPage + strconv.Itoa(page-1), Title: "⬅️ Previous"})
	}
	if end < len(emojiChoices) {
		buttons = append(buttons, models.Button{ID: callbackEmojiPage + strconv.Itoa(page+1), Title: "Next ➡️"})
	}
	if page == 0 {
		buttons = append(buttons, models.Button{ID: callbackEmojiPick + DefaultEmoji, Title: "Use " + DefaultEmoji + " default"})
	}
	return buttons
}
