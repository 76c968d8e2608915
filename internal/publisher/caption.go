package publisher

import (
	"strings"

	"platfoxbot/internal/domain"
)

const attributionPrefix = "src: "

//nolint:gochecknoglobals // Replacer meant to be immutable.
var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

//nolint:gochecknoglobals // Replacer meant to be immutable.
var hrefReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escapeHTML(input string) string {
	if !strings.ContainsAny(input, "&<>") {
		return input
	}

	return htmlReplacer.Replace(input)
}

// Caption composes the text attached to the first media of a post.
// With a permalink the attribution is an HTML link and html reports true;
// otherwise the caption is plain text and nothing is escaped.
func Caption(post domain.Post) (caption string, html bool) {
	if post.HasPermalink() {
		return escapeHTML(post.Text) + "\n\n" + attributionPrefix +
			`<a href="` + hrefReplacer.Replace(post.Permalink) + `">` + escapeHTML(post.SourceLabel) + "</a>", true
	}

	return post.Text + "\n\n" + attributionPrefix + post.SourceLabel, false
}
