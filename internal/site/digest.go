// Package site renders the human-readable digest page published next to
// the calendar file.
package site

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/concertcal/internal/ics"
)

const pageShell = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
</head>
<body>
%s</body>
</html>
`

// Renderer builds the digest page from a calendar.
type Renderer struct {
	title string
	md    goldmark.Markdown
}

// NewRenderer creates a digest renderer with the given page title.
func NewRenderer(title string) *Renderer {
	return &Renderer{
		title: title,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithHeadingAttribute()),
		),
	}
}

// Render produces the digest HTML for all events starting on or after the
// given day, earliest first.
func (r *Renderer) Render(cal *ics.Calendar, now time.Time) ([]byte, error) {
	markdown := r.buildMarkdown(cal, now)

	var body bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("render digest: %w", err)
	}
	return []byte(fmt.Sprintf(pageShell, r.title, body.String())), nil
}

func (r *Renderer) buildMarkdown(cal *ics.Calendar, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	events := make([]*ics.Event, 0, len(cal.Events()))
	for _, ev := range cal.Events() {
		start := ev.Date("DTSTART")
		if start.IsZero() || start.Before(today) {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date("DTSTART").Before(events[j].Date("DTSTART"))
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", r.title)
	if len(events) == 0 {
		sb.WriteString("No upcoming shows.\n")
		return sb.String()
	}

	for _, ev := range events {
		summary := ev.Text("SUMMARY")
		fmt.Fprintf(&sb, "## %s {#%s}\n\n", summary, AnchorSlug(summary))
		fmt.Fprintf(&sb, "**%s**", ev.Date("DTSTART").Format("Monday, January 2, 2006"))
		if loc := ev.Text("LOCATION"); loc != "" {
			fmt.Fprintf(&sb, " — %s", loc)
		}
		sb.WriteString("\n\n")
		for _, line := range strings.Split(ev.Text("DESCRIPTION"), "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintf(&sb, "- %s\n", line)
		}
		if url := ev.Text("URL"); url != "" {
			fmt.Fprintf(&sb, "\n[Tickets](%s)\n", url)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// AnchorSlug derives a stable ASCII anchor from an event title: diacritics
// are decomposed and dropped, everything else is lowercased with hyphens.
func AnchorSlug(s string) string {
	decomposed := norm.NFKD.String(s)
	var sb strings.Builder
	lastHyphen := true
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from decomposition, drop it
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r):
			sb.WriteRune(unicode.ToLower(r))
			lastHyphen = false
		default:
			if !lastHyphen {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(sb.String(), "-")
}
