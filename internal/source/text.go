package source

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"mvdan.cc/xurls/v2"
)

// StripTrailingLink removes the last token of text when it is a URL. A token is
// a run of non-space characters that ends the text, so trailing punctuation glued
// to the URL goes with it. Preceding whitespace is kept.
func StripTrailingLink(text string) string {
	start := 0
	if i := strings.LastIndexFunc(text, unicode.IsSpace); i >= 0 {
		_, size := utf8.DecodeRuneInString(text[i:])
		start = i + size
	}

	token := text[start:]
	if token == "" {
		return text
	}

	loc := xurls.Strict().FindStringIndex(token)
	if loc == nil || loc[0] != 0 {
		return text
	}

	return text[:start]
}
