package feed

import (
	"log/slog"

	"github.com/teambition/rrule-go"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// maxOccurrencesPerEvent caps expansion so a runaway RRULE cannot flood
// the event map.
const maxOccurrencesPerEvent = 500

// Expand materializes recurring events into concrete occurrences inside
// the retention window. Non-recurring events pass through unchanged. An
// RRULE that cannot be read falls back to the base event alone.
func Expand(parsed []ParsedEvent, w Window) []model.Event {
	var out []model.Event
	for _, pe := range parsed {
		if pe.RRule == "" {
			out = append(out, pe.Event)
			continue
		}
		out = append(out, expandEvent(pe, w)...)
	}
	return out
}

func expandEvent(pe ParsedEvent, w Window) []model.Event {
	rule, err := rrule.StrToRRule(pe.RRule)
	if err != nil {
		slog.Warn("Ignoring unreadable RRULE", "event_id", pe.Event.ID, "rrule", pe.RRule, "error", err)
		return []model.Event{pe.Event}
	}
	rule.DTStart(pe.Event.StartTime)

	duration := pe.Event.EndTime.Sub(pe.Event.StartTime)

	starts := rule.Between(w.Start, w.End, true)
	if len(starts) > maxOccurrencesPerEvent {
		slog.Warn("Truncating recurrence expansion", "event_id", pe.Event.ID, "occurrences", len(starts))
		starts = starts[:maxOccurrencesPerEvent]
	}

	occurrences := make([]model.Event, 0, len(starts))
	for _, start := range starts {
		ev := pe.Event
		ev.ID = pe.Event.ID + "-" + start.UTC().Format("20060102T150405Z")
		ev.StartTime = start
		ev.EndTime = start.Add(duration)
		occurrences = append(occurrences, ev)
	}
	return occurrences
}
