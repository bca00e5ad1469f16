// Package markdown turns markdown printed by a cell into HTML that is safe to
// embed in a notebook output area.
package markdown

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/russross/blackfriday/v2"
)

const extensions = blackfriday.CommonExtensions | blackfriday.AutoHeadingIDs | blackfriday.Footnotes

var policy = sync.OnceValue(func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span")
	p.AllowAttrs("id").Matching(bluemonday.SpaceSeparatedTokens).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	return p
})

// RenderToHTML renders markdown and strips anything not allowed in user
// generated content (scripts, event handlers, javascript: links).
func RenderToHTML(markdown string) string {
	unsafe := blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(extensions))
	return string(policy().SanitizeBytes(unsafe))
}

// Bundle returns the mime bundle of a markdown display: the sanitized HTML
// plus the source as text/plain.
func Bundle(markdown string) map[string]string {
	return map[string]string{
		"text/html":  RenderToHTML(markdown),
		"text/plain": markdown,
	}
}
