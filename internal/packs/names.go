package packs

import (
	"regexp"
	"strings"
)

const maxSlugLength = 40

var (
	nonSlugChars  = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnder = regexp.MustCompile(`_+`)
	whitespace    = regexp.MustCompile(`\s+`)
	packLinkName  = regexp.MustCompile(`(?:/packs/|t\.me/addstickers/)([A-Za-z0-9_]+)`)
	validName     = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
)

// Slugify lowercases title and reduces it to [a-z0-9_], at most 40 characters.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = whitespace.ReplaceAllString(s, "_")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = repeatedUnder.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "_")
	}
	return s
}

// BuildShortName derives a pack's short name from its title:
// "<slug>_by_<bot>".
func BuildShortName(title, bot string) string {
	base := Slugify(title)
	if base == "" {
		base = "pack"
	}
	return base + "_by_" + strings.ToLower(bot)
}

// ResolveName turns what an actor typed into a short name. Full pack links
// and a leading @ are accepted; names without "_by_" get the bot suffix.
func ResolveName(input, bot string) string {
	raw := strings.TrimSpace(input)
	if m := packLinkName.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	raw = strings.ToLower(strings.TrimPrefix(raw, "@"))
	if strings.Contains(raw, "_by_") {
		return raw
	}
	return raw + "_by_" + strings.ToLower(bot)
}

// ValidName reports whether name is safe to use as a pack short name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}
