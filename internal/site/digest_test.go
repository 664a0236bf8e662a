package site

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/concertcal/internal/ics"
)

func eventOn(day time.Time, summary string) *ics.Event {
	ev := ics.NewEvent()
	ev.SetText("UID", summary+"@test")
	ev.SetDate("DTSTART", day)
	ev.SetDate("DTEND", day.AddDate(0, 0, 1))
	ev.SetText("SUMMARY", summary)
	ev.SetText("LOCATION", "The National, Richmond, VA")
	ev.SetText("DESCRIPTION", "Doors: 7:00 PM\nShow: 8:00 PM")
	ev.SetText("URL", "https://tickets.example/1")
	return ev
}

func TestRenderListsUpcomingInOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)
	cal := ics.New("-//x//y//EN")
	cal.AddEvent(eventOn(time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC), "Later Show"))
	cal.AddEvent(eventOn(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), "Sooner Show"))
	cal.AddEvent(eventOn(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "Past Show"))

	r := NewRenderer("Upcoming Shows")
	html, err := r.Render(cal, now)
	require.NoError(t, err)
	out := string(html)

	assert.Contains(t, out, "<title>Upcoming Shows</title>")
	assert.Contains(t, out, "Sooner Show")
	assert.Contains(t, out, "Later Show")
	assert.NotContains(t, out, "Past Show")
	assert.Less(t, indexOf(out, "Sooner Show"), indexOf(out, "Later Show"))
	assert.Contains(t, out, "Doors: 7:00 PM")
	assert.Contains(t, out, `href="https://tickets.example/1"`)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestRenderSameDayShowIsUpcoming(t *testing.T) {
	now := time.Date(2025, 3, 5, 22, 0, 0, 0, time.UTC)
	cal := ics.New("-//x//y//EN")
	cal.AddEvent(eventOn(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), "Tonight"))

	r := NewRenderer("Upcoming Shows")
	html, err := r.Render(cal, now)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Tonight")
}

func TestRenderEmptyCalendar(t *testing.T) {
	r := NewRenderer("Upcoming Shows")
	html, err := r.Render(ics.New("-//x//y//EN"), time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(html), "No upcoming shows.")
}

func TestAnchorSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"The Headliners", "the-headliners"},
		{"Sigur Rós", "sigur-ros"},
		{"AC/DC Tribute!", "ac-dc-tribute"},
		{"  spaced  out  ", "spaced-out"},
		{"100 gecs", "100-gecs"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AnchorSlug(tc.in), "input %q", tc.in)
	}
}
