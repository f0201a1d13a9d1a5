package prompt

import (
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// supported lists the report languages; the first entry is the fallback.
var supported = []language.Tag{
	language.English,
	language.German,
	language.French,
	language.Spanish,
	language.Italian,
}

var matcher = language.NewMatcher(supported)

// Language is a resolved report language.
type Language struct {
	Code string // ISO 639-1, e.g. "de"
	Name string // English display name, e.g. "German"
}

// ResolveLanguage maps an ISO code or BCP 47 tag to a supported language.
// Only regional variants of a supported language match it ("de-AT" is
// German); related languages such as "gsw" or "gl" and unknown or malformed
// codes resolve to English.
func ResolveLanguage(code string) Language {
	tag := supported[0]
	if t, err := language.Parse(code); err == nil {
		if _, idx, conf := matcher.Match(t); conf != language.No && sameBase(t, supported[idx]) {
			tag = supported[idx]
		}
	}

	base, _ := tag.Base()
	return Language{
		Code: base.String(),
		Name: display.English.Languages().Name(tag),
	}
}

func sameBase(a, b language.Tag) bool {
	ab, _ := a.Base()
	bb, _ := b.Base()
	return ab == bb
}
