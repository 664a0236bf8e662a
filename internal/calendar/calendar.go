// Package calendar turns feed events into the published iCalendar file.
//
// The merge is additive: events already on the calendar are updated in
// place when the feed still carries them and are left untouched when it
// does not, so past shows remain on the calendar indefinitely.
package calendar

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"git.home.luguber.info/inful/concertcal/internal/feed"
	"git.home.luguber.info/inful/concertcal/internal/ics"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
)

// Builder merges feed events into a calendar.
type Builder struct {
	uidDomain string
	prodID    string
}

// NewBuilder creates a Builder with the configured UID domain and PRODID.
func NewBuilder(uidDomain, prodID string) *Builder {
	return &Builder{uidDomain: uidDomain, prodID: prodID}
}

// MergeStats summarizes one merge pass.
type MergeStats struct {
	Added   int
	Updated int
}

// LoadOrCreate parses previously published calendar bytes, or creates a
// fresh calendar when data is nil/empty.
func (b *Builder) LoadOrCreate(data []byte) (*ics.Calendar, error) {
	if len(data) == 0 {
		slog.Info("no existing calendar, creating a new one")
		return ics.New(b.prodID), nil
	}
	cal, err := ics.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse existing calendar: %w", err)
	}
	slog.Info("loaded existing calendar", logfields.Count(len(cal.Events())))
	return cal, nil
}

// UID derives the calendar UID for a feed event.
func (b *Builder) UID(e feed.Event) string {
	return fmt.Sprintf("%s@%s", e.EventID, b.uidDomain)
}

// Merge applies every feed event onto the calendar, adding or updating by
// UID. Events already on the calendar are never removed.
func (b *Builder) Merge(cal *ics.Calendar, events []feed.Event) (MergeStats, error) {
	existing := make(map[string]*ics.Event, len(cal.Events()))
	for _, ev := range cal.Events() {
		existing[ev.UID()] = ev
	}

	var stats MergeStats
	for _, data := range events {
		uid := b.UID(data)
		if target, ok := existing[uid]; ok {
			if err := applyEvent(target, uid, data); err != nil {
				return stats, err
			}
			stats.Updated++
			slog.Debug("updated event", logfields.EventUID(uid))
			continue
		}
		ev := ics.NewEvent()
		if err := applyEvent(ev, uid, data); err != nil {
			return stats, err
		}
		cal.AddEvent(ev)
		existing[uid] = ev
		stats.Added++
		slog.Debug("added event", logfields.EventUID(uid))
	}
	return stats, nil
}

// applyEvent writes all generated properties of one show onto a VEVENT.
// Shows are represented as all-day entries; clock times go into the
// description instead.
func applyEvent(ev *ics.Event, uid string, data feed.Event) error {
	show, err := data.ShowTime()
	if err != nil {
		return err
	}

	ev.SetText("UID", uid)

	modified := data.ModifiedTime()
	ev.SetDateTime("DTSTAMP", modified)
	ev.SetDateTime("LAST-MODIFIED", modified)

	ev.SetDate("DTSTART", startOfDay(show))
	ev.SetDate("DTEND", startOfDay(show).AddDate(0, 0, 1))

	ev.SetText("SUMMARY", data.Title.EventTitleText)
	ev.SetText("LOCATION", fmt.Sprintf("%s, %s", data.Venue.Title, data.Venue.AddressLine))
	ev.SetText("DESCRIPTION", strings.Join(descriptionLines(data, show), "\n"))
	ev.SetText("URL", data.Ticketing.URL)
	return nil
}

// descriptionLines builds the description in its fixed order:
// Doors, Show, Support, Age, Genre. The ticket URL is deliberately not
// part of the description (it lives in the URL property).
func descriptionLines(data feed.Event, show time.Time) []string {
	var lines []string
	if door, ok := data.DoorTime(); ok {
		lines = append(lines, "Doors: "+FormatClock(door))
	}
	lines = append(lines, "Show: "+FormatClock(show))
	if data.Title.SupportingText != "" {
		lines = append(lines, "Support: "+data.Title.SupportingText)
	}
	if hl, ok := data.Headliner(); ok {
		age := "All Ages"
		if hl.Under21 {
			age = "21+ Only"
		}
		genre := hl.MinorCategoryText
		if genre == "" {
			genre = "Unknown Genre"
		}
		lines = append(lines, "Age: "+age, "Genre: "+genre)
	}
	return lines
}

// FormatClock renders a 12-hour clock string like "8:00 PM": no leading
// zero on the hour, zero-padded minutes.
func FormatClock(t time.Time) string {
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	ampm := "AM"
	if t.Hour() >= 12 {
		ampm = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", hour, t.Minute(), ampm)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
