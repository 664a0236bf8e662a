package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCalendarHeader(t *testing.T) {
	cal := New("-//TheNationalVA//ConcertSchedule//EN")
	out := string(cal.Encode())

	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR\r\n"))
	assert.Contains(t, out, "PRODID:-//TheNationalVA//ConcertSchedule//EN\r\n")
	assert.Contains(t, out, "VERSION:2.0\r\n")
	assert.True(t, strings.HasSuffix(out, "END:VCALENDAR\r\n"))
}

func TestEventDateAndDateTime(t *testing.T) {
	e := NewEvent()
	show := time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC)
	e.SetDate("DTSTART", show)
	e.SetDate("DTEND", show.AddDate(0, 0, 1))
	e.SetDateTime("DTSTAMP", show)

	cal := New("-//x//y//EN")
	cal.AddEvent(e)
	out := string(cal.Encode())

	assert.Contains(t, out, "DTSTART;VALUE=DATE:20250131\r\n")
	assert.Contains(t, out, "DTEND;VALUE=DATE:20250201\r\n")
	assert.Contains(t, out, "DTSTAMP:20250131T200000\r\n")
}

func TestTextEscaping(t *testing.T) {
	e := NewEvent()
	e.SetText("SUMMARY", "Punk; Rock, & Roll\nTwo Lines")

	v, ok := e.Get("SUMMARY")
	require.True(t, ok)
	assert.Equal(t, `Punk\; Rock\, & Roll\nTwo Lines`, v)
	assert.Equal(t, "Punk; Rock, & Roll\nTwo Lines", e.Text("SUMMARY"))
}

func TestSetReplacesInPlace(t *testing.T) {
	e := NewEvent()
	e.SetText("UID", "1@example.com")
	e.SetText("SUMMARY", "Old Title")
	e.SetText("URL", "https://tickets.example")
	e.SetText("SUMMARY", "New Title")

	out := string(encodeSingle(e))
	// SUMMARY keeps its original position between UID and URL.
	uidIdx := strings.Index(out, "UID:")
	sumIdx := strings.Index(out, "SUMMARY:")
	urlIdx := strings.Index(out, "URL:")
	assert.Less(t, uidIdx, sumIdx)
	assert.Less(t, sumIdx, urlIdx)
	assert.Contains(t, out, "SUMMARY:New Title")
	assert.NotContains(t, out, "Old Title")
}

func encodeSingle(e *Event) []byte {
	cal := New("-//x//y//EN")
	cal.AddEvent(e)
	return cal.Encode()
}

func TestLineFolding(t *testing.T) {
	e := NewEvent()
	e.SetText("DESCRIPTION", strings.Repeat("abcdefghij", 20))
	out := string(encodeSingle(e))

	for _, line := range strings.Split(out, "\r\n") {
		assert.LessOrEqual(t, len(line), 75, "line exceeds fold limit: %q", line)
	}

	// Folded content must reassemble to the original value.
	cal, err := Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)
	assert.Equal(t, strings.Repeat("abcdefghij", 20), cal.Events()[0].Text("DESCRIPTION"))
}

func TestParsePreservesUnknownProperties(t *testing.T) {
	doc := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"PRODID:-//Other//Tool//EN",
		"VERSION:2.0",
		"X-WR-CALNAME:Concerts",
		"BEGIN:VEVENT",
		"UID:42@example.com",
		"SEQUENCE:3",
		"SUMMARY:Existing Show",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	cal, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "-//Other//Tool//EN", cal.ProdID())

	out := string(cal.Encode())
	assert.Contains(t, out, "X-WR-CALNAME:Concerts\r\n")
	assert.Contains(t, out, "SEQUENCE:3\r\n")
}

func TestParsePreservesForeignComponents(t *testing.T) {
	doc := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VTIMEZONE",
		"TZID:America/New_York",
		"BEGIN:STANDARD",
		"TZOFFSETFROM:-0400",
		"END:STANDARD",
		"END:VTIMEZONE",
		"BEGIN:VEVENT",
		"UID:7@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	cal, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)

	out := string(cal.Encode())
	assert.Contains(t, out, "BEGIN:VTIMEZONE\r\n")
	assert.Contains(t, out, "TZOFFSETFROM:-0400\r\n")
}

func TestParseUnfoldsContinuationLines(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:9@x\r\nSUMMARY:Part one \r\n and part two\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	cal, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cal.Events(), 1)
	assert.Equal(t, "Part one and part two", cal.Events()[0].Text("SUMMARY"))
}

func TestParseQuotedParamColon(t *testing.T) {
	doc := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:9@x\r\nORGANIZER;CN=\"Venue: Main\":mailto:box@example.com\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	cal, err := Parse([]byte(doc))
	require.NoError(t, err)
	v, ok := cal.Events()[0].Get("ORGANIZER")
	require.True(t, ok)
	assert.Equal(t, "mailto:box@example.com", v)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("not a calendar"))
	assert.Error(t, err)
	_, err = Parse(nil)
	assert.Error(t, err)
}

func TestEventDateAccessor(t *testing.T) {
	e := NewEvent()
	e.SetDate("DTSTART", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	got := e.Date("DTSTART")
	assert.Equal(t, 2025, got.Year())
	assert.Equal(t, time.June, got.Month())

	e.SetDateTime("DTSTAMP", time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC))
	assert.Equal(t, 20, e.Date("DTSTAMP").Hour())

	assert.True(t, e.Date("DTEND").IsZero())
}
