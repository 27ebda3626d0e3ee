// Package sanitize strips unsafe markup from HTML fragments before they are
// published on the event bus. Rendered response chunks cross a trust boundary
// (agent output to browser), so only a small tag/attribute allow-list survives.
package sanitize

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func chunkPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements(
			"p", "br", "strong", "em", "b", "i", "u", "s",
			"ul", "ol", "li", "blockquote",
			"h1", "h2", "h3", "h4", "h5", "h6",
			"pre", "code", "table", "thead", "tbody", "tr", "th", "td",
			"hr",
		)
		p.AllowAttrs("href").OnElements("a")
		p.AllowStandardURLs()
		p.RequireNoFollowOnLinks(true)
		p.AllowAttrs("class").OnElements("code", "pre")
		policy = p
	})
	return policy
}

// HTML sanitizes an HTML fragment against the response-chunk allow-list.
func HTML(fragment string) string {
	return chunkPolicy().Sanitize(fragment)
}
