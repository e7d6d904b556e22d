package avatar

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	urlPattern          = regexp.MustCompile(`https?://\S+`)

	markupReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// speechText is the rendition of a reply the presenter is asked to say.
// Markdown, code, links and emoji are dropped; the logged turn keeps the
// original text.
func speechText(reply string) string {
	s := strings.TrimSpace(reply)
	if s == "" {
		return ""
	}
	s = fencedCodePattern.ReplaceAllString(s, " ")
	s = inlineCodePattern.ReplaceAllString(s, " ")
	s = markdownLinkPattern.ReplaceAllString(s, "$1")
	s = urlPattern.ReplaceAllString(s, " ")
	s = markupReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	space := true
	writeSpace := func() {
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	for _, r := range s {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			writeSpace()
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		case strings.ContainsRune(".,!?:;'\"-()", r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			writeSpace()
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
