package feed

import (
	"fmt"
	"time"
)

// isoLayout matches the feed's zone-less timestamps (e.g. "2025-01-31T20:00:00").
const isoLayout = "2006-01-02T15:04:05"

// defaultModified is the fallback used when the feed omits created/modified
// timestamps.
const defaultModified = "2025-01-01T00:00:00"

// Envelope is the top-level feed document.
type Envelope struct {
	Meta   map[string]any `json:"meta"`
	Events []Event        `json:"events"`
}

// Event is a single show as delivered by the feed.
type Event struct {
	EventID       string       `json:"eventId"`
	CreatedUTC    string       `json:"createdUTC"`
	ModifiedUTC   string       `json:"modifiedUTC"`
	EventDateTime string       `json:"eventDateTime"`
	DoorDateTime  string       `json:"doorDateTime"`
	Title         Title        `json:"title"`
	Venue         Venue        `json:"venue"`
	Ticketing     Ticketing    `json:"ticketing"`
	Associations  Associations `json:"associations"`
}

// Title carries the headline text and optional supporting acts line.
type Title struct {
	EventTitleText string `json:"eventTitleText"`
	SupportingText string `json:"supportingText"`
}

// Venue identifies where the show happens.
type Venue struct {
	Title       string `json:"title"`
	AddressLine string `json:"address_line"`
}

// Ticketing carries the ticket purchase link.
type Ticketing struct {
	URL string `json:"url"`
}

// Associations groups acts attached to the event.
type Associations struct {
	Headliners []Headliner `json:"headliners"`
}

// Headliner is the primary act; age restriction and genre come from here.
type Headliner struct {
	Under21           bool   `json:"under21"`
	MinorCategoryText string `json:"minorCategoryText"`
}

// ShowTime returns the event's start time. The feed guarantees this field.
func (e Event) ShowTime() (time.Time, error) {
	t, err := time.Parse(isoLayout, e.EventDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("event %s: bad eventDateTime %q: %w", e.EventID, e.EventDateTime, err)
	}
	return t, nil
}

// DoorTime returns the door-open time, or ok=false when the feed omits it.
func (e Event) DoorTime() (t time.Time, ok bool) {
	if e.DoorDateTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(isoLayout, e.DoorDateTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ModifiedTime returns the last-modified timestamp, falling back to the
// feed's documented default when absent or malformed.
func (e Event) ModifiedTime() time.Time {
	if t, err := time.Parse(isoLayout, e.ModifiedUTC); err == nil {
		return t
	}
	t, _ := time.Parse(isoLayout, defaultModified)
	return t
}

// Headliner returns the first headliner, or ok=false when none are listed.
func (e Event) Headliner() (Headliner, bool) {
	if len(e.Associations.Headliners) == 0 {
		return Headliner{}, false
	}
	return e.Associations.Headliners[0], true
}
