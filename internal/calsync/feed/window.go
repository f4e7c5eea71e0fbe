package feed

import (
	"time"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// Retention window bounds: events older than six months or further out
// than one year are discarded during ingestion.
const (
	retentionPastMonths  = 6
	retentionFutureYears = 1
)

// Window is the sliding retention range, recomputed at the start of
// every sync rather than cached.
type Window struct {
	Start time.Time
	End   time.Time
}

func CurrentWindow(now time.Time) Window {
	return Window{
		Start: now.AddDate(0, -retentionPastMonths, 0),
		End:   now.AddDate(retentionFutureYears, 0, 0),
	}
}

// Overlaps reports whether [start, end] intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return !end.Before(w.Start) && !start.After(w.End)
}

// Filter keeps the events whose interval overlaps the window.
func Filter(events []model.Event, w Window) []model.Event {
	kept := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if w.Overlaps(ev.StartTime, ev.EndTime) {
			kept = append(kept, ev)
		}
	}
	return kept
}
