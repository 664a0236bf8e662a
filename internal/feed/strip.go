package feed

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup reduces an HTML fragment to its text content. Feed marketing
// fields (supporting acts in particular) occasionally arrive with inline
// tags and entities.
func StripMarkup(s string) string {
	if s == "" || !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}

	var sb strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			sb.WriteString(tokenizer.Token().Data)
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(sb.String()), " "))
}
