// Package ics implements the subset of RFC 5545 needed to maintain the
// published calendar: VCALENDAR/VEVENT parsing and encoding with line
// folding, text escaping, and preservation of properties the generator
// does not touch.
package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"

	// Lines longer than this many octets are folded on output.
	foldLimit = 75
)

// Property is a single content line: NAME;PARAM=VAL:VALUE.
// Value is stored in its encoded (wire) form so untouched properties
// round-trip byte-exact.
type Property struct {
	Name   string
	Params []Param
	Value  string
}

// Param is a single property parameter.
type Param struct {
	Name  string
	Value string
}

// Event is a VEVENT component. Property order is preserved; setting an
// existing property replaces it in place.
type Event struct {
	properties []Property
}

// Calendar is a VCALENDAR document. Non-VEVENT subcomponents (e.g.
// VTIMEZONE) are carried through verbatim.
type Calendar struct {
	properties []Property
	events     []*Event
	rawBlocks  [][]string // unfolded content lines of foreign subcomponents
}

// New creates an empty calendar with the given PRODID and VERSION 2.0.
func New(prodID string) *Calendar {
	c := &Calendar{}
	c.setProperty(Property{Name: "PRODID", Value: prodID})
	c.setProperty(Property{Name: "VERSION", Value: "2.0"})
	return c
}

// ProdID returns the calendar PRODID property value.
func (c *Calendar) ProdID() string {
	for _, p := range c.properties {
		if p.Name == "PRODID" {
			return p.Value
		}
	}
	return ""
}

// Events returns the calendar's events in document order.
func (c *Calendar) Events() []*Event { return c.events }

// AddEvent appends an event to the calendar.
func (c *Calendar) AddEvent(e *Event) { c.events = append(c.events, e) }

func (c *Calendar) setProperty(p Property) {
	for i := range c.properties {
		if c.properties[i].Name == p.Name {
			c.properties[i] = p
			return
		}
	}
	c.properties = append(c.properties, p)
}

// NewEvent creates an empty VEVENT.
func NewEvent() *Event { return &Event{} }

// Set stores a property in encoded form, replacing any existing property
// with the same name.
func (e *Event) Set(name string, params []Param, value string) {
	name = strings.ToUpper(name)
	for i := range e.properties {
		if e.properties[i].Name == name {
			e.properties[i] = Property{Name: name, Params: params, Value: value}
			return
		}
	}
	e.properties = append(e.properties, Property{Name: name, Params: params, Value: value})
}

// SetText stores a TEXT property, escaping the value per RFC 5545.
func (e *Event) SetText(name, value string) {
	e.Set(name, nil, escapeText(value))
}

// SetDate stores an all-day DATE property (VALUE=DATE).
func (e *Event) SetDate(name string, t time.Time) {
	e.Set(name, []Param{{Name: "VALUE", Value: "DATE"}}, t.Format(dateLayout))
}

// SetDateTime stores a floating local DATE-TIME property.
func (e *Event) SetDateTime(name string, t time.Time) {
	e.Set(name, nil, t.Format(dateTimeLayout))
}

// Get returns the encoded value of the named property.
func (e *Event) Get(name string) (string, bool) {
	name = strings.ToUpper(name)
	for _, p := range e.properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Text returns the unescaped value of a TEXT property, or "" if absent.
func (e *Event) Text(name string) string {
	v, ok := e.Get(name)
	if !ok {
		return ""
	}
	return unescapeText(v)
}

// UID returns the event's UID property value.
func (e *Event) UID() string { return e.Text("UID") }

// Date returns a DATE or floating DATE-TIME property parsed as a time, or
// the zero time if absent or malformed.
func (e *Event) Date(name string) time.Time {
	v, ok := e.Get(name)
	if !ok {
		return time.Time{}
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t
	}
	if t, err := time.Parse(dateTimeLayout, v); err == nil {
		return t
	}
	// UTC-suffixed values appear in calendars produced by other tools.
	if t, err := time.Parse(dateTimeLayout+"Z", v); err == nil {
		return t
	}
	return time.Time{}
}

// Encode serializes the calendar with CRLF line endings and folded lines.
func (c *Calendar) Encode() []byte {
	var buf bytes.Buffer
	writeLine(&buf, "BEGIN:VCALENDAR")
	for _, p := range c.properties {
		writeLine(&buf, formatProperty(p))
	}
	for _, block := range c.rawBlocks {
		for _, line := range block {
			writeLine(&buf, line)
		}
	}
	for _, e := range c.events {
		writeLine(&buf, "BEGIN:VEVENT")
		for _, p := range e.properties {
			writeLine(&buf, formatProperty(p))
		}
		writeLine(&buf, "END:VEVENT")
	}
	writeLine(&buf, "END:VCALENDAR")
	return buf.Bytes()
}

// Parse reads a VCALENDAR document. Unknown properties and foreign
// subcomponents are preserved for re-encoding.
func Parse(data []byte) (*Calendar, error) {
	lines := unfold(data)
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty calendar document")
	}

	cal := &Calendar{}
	var current *Event
	var rawBlock []string
	rawDepth := 0
	sawBegin := false

	for _, line := range lines {
		if line == "" {
			continue
		}

		if rawDepth > 0 {
			rawBlock = append(rawBlock, line)
			if strings.HasPrefix(line, "BEGIN:") {
				rawDepth++
			} else if strings.HasPrefix(line, "END:") {
				rawDepth--
				if rawDepth == 0 {
					cal.rawBlocks = append(cal.rawBlocks, rawBlock)
					rawBlock = nil
				}
			}
			continue
		}

		switch {
		case line == "BEGIN:VCALENDAR":
			sawBegin = true
		case line == "END:VCALENDAR":
			// trailing content ignored
		case line == "BEGIN:VEVENT":
			current = NewEvent()
		case line == "END:VEVENT":
			if current != nil {
				cal.events = append(cal.events, current)
				current = nil
			}
		case strings.HasPrefix(line, "BEGIN:"):
			rawBlock = []string{line}
			rawDepth = 1
		default:
			prop, err := parseProperty(line)
			if err != nil {
				return nil, err
			}
			if current != nil {
				current.properties = append(current.properties, prop)
			} else {
				cal.properties = append(cal.properties, prop)
			}
		}
	}

	if !sawBegin {
		return nil, fmt.Errorf("not a VCALENDAR document")
	}
	return cal, nil
}

func parseProperty(line string) (Property, error) {
	colon := propertyValueIndex(line)
	if colon < 0 {
		return Property{}, fmt.Errorf("malformed content line: %q", line)
	}
	nameAndParams := line[:colon]
	value := line[colon+1:]

	parts := strings.Split(nameAndParams, ";")
	prop := Property{Name: strings.ToUpper(parts[0]), Value: value}
	for _, raw := range parts[1:] {
		if eq := strings.IndexByte(raw, '='); eq >= 0 {
			prop.Params = append(prop.Params, Param{Name: strings.ToUpper(raw[:eq]), Value: raw[eq+1:]})
		} else {
			prop.Params = append(prop.Params, Param{Name: strings.ToUpper(raw)})
		}
	}
	return prop, nil
}

// propertyValueIndex finds the colon separating name+params from the value,
// skipping colons inside quoted parameter values.
func propertyValueIndex(line string) int {
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ':':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

func formatProperty(p Property) string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	for _, param := range p.Params {
		sb.WriteByte(';')
		sb.WriteString(param.Name)
		if param.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(param.Value)
		}
	}
	sb.WriteByte(':')
	sb.WriteString(p.Value)
	return sb.String()
}

// writeLine writes a content line, folding at the 75-octet limit.
func writeLine(buf *bytes.Buffer, line string) {
	for len(line) > foldLimit {
		// Do not split in the middle of a UTF-8 sequence.
		cut := foldLimit
		for cut > 1 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		buf.WriteString(line[:cut])
		buf.WriteString("\r\n")
		line = " " + line[cut:]
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

// unfold joins folded continuation lines and splits on CRLF or LF.
func unfold(data []byte) []string {
	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	raw := strings.Split(normalized, "\n")
	var lines []string
	for _, l := range raw {
		if (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	return lines
}

func escapeText(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		";", `\;`,
		",", `\,`,
		"\r\n", `\n`,
		"\n", `\n`,
	)
	return r.Replace(s)
}

func unescapeText(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			sb.WriteByte('\n')
		case '\\', ';', ',':
			sb.WriteByte(s[i])
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
