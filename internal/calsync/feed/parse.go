package feed

import (
	"log/slog"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// DefaultTimezone is assumed for feed timestamps that carry neither a
// trailing Z nor a loadable TZID parameter.
const DefaultTimezone = "America/New_York"

// eventIDPrefix keys stored events by their feed UID so repeated parses
// of the same feed produce the same ids.
const eventIDPrefix = "ical-"

const defaultEventTitle = "Untitled Event"

// ParsedEvent is one VEVENT lifted out of a feed, plus the raw RRULE
// when the event recurs. Recurrence expansion happens in expand.go.
type ParsedEvent struct {
	Event model.Event
	RRule string
}

// Parse turns raw feed text into normalized events. It never fails as a
// whole: a VEVENT missing UID, DTSTART or DTEND, or carrying a date it
// cannot read, is dropped and the rest of the feed still parses.
// Unrecognized properties are ignored.
func Parse(calendarID, raw string, loc *time.Location) []ParsedEvent {
	if loc == nil {
		loc = mustDefaultLocation()
	}

	// Some feeds in the wild are bare VEVENT fragments.
	if !strings.Contains(raw, "BEGIN:VCALENDAR") {
		raw = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + raw + "\r\nEND:VCALENDAR\r\n"
	}

	cal, err := ics.ParseCalendar(strings.NewReader(raw))
	if err != nil {
		slog.Warn("Failed to parse calendar feed", "calendar_id", calendarID, "error", err)
		return nil
	}

	var out []ParsedEvent
	for _, ve := range cal.Events() {
		ev, ok := parseVEvent(calendarID, ve, loc)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func parseVEvent(calendarID string, ve *ics.VEvent, loc *time.Location) (ParsedEvent, bool) {
	uid := propertyValue(ve, ics.ComponentPropertyUniqueId)
	if uid == "" {
		return ParsedEvent{}, false
	}

	startProp := ve.GetProperty(ics.ComponentPropertyDtStart)
	endProp := ve.GetProperty(ics.ComponentPropertyDtEnd)
	if startProp == nil || endProp == nil {
		return ParsedEvent{}, false
	}

	start, startAllDay, err := parseFeedTime(startProp, loc)
	if err != nil {
		return ParsedEvent{}, false
	}
	end, _, err := parseFeedTime(endProp, loc)
	if err != nil {
		return ParsedEvent{}, false
	}

	title := unescapeText(propertyValue(ve, ics.ComponentPropertySummary))
	if title == "" {
		title = defaultEventTitle
	}

	ev := model.Event{
		ID:          eventIDPrefix + uid,
		Title:       title,
		Description: unescapeText(propertyValue(ve, ics.ComponentPropertyDescription)),
		Location:    unescapeText(propertyValue(ve, ics.ComponentPropertyLocation)),
		StartTime:   start,
		EndTime:     end,
		IsAllDay:    startAllDay,
		CalendarID:  calendarID,
		Source:      model.EventSourceFeed,
	}

	return ParsedEvent{Event: ev, RRule: propertyValue(ve, ics.ComponentPropertyRrule)}, true
}

// parseFeedTime reads the three date forms found in feeds: a UTC instant
// (20250710T080000Z), a zone-local instant (20250710T080000, resolved
// via TZID or the default zone), and an 8-digit all-day date (20250710).
// Anything else is a parse failure that invalidates the owning event.
func parseFeedTime(prop *ics.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)

	if params := prop.ICalParameters; params != nil {
		if tzids, ok := params["TZID"]; ok && len(tzids) > 0 {
			if tzLoc, err := time.LoadLocation(tzids[0]); err == nil {
				loc = tzLoc
			}
		}
	}

	switch {
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	case strings.Contains(value, "T"):
		t, err := time.ParseInLocation("20060102T150405", value, loc)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", value, loc)
		return t, true, err
	}
}

func propertyValue(ve *ics.VEvent, name ics.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// unescapeText decodes iCal text escaping in SUMMARY, LOCATION and
// DESCRIPTION values.
func unescapeText(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func mustDefaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
