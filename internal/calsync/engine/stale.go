package engine

import (
	"sort"
	"time"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// StaleThreshold is how old a calendar's last sync may get before the
// auto-sync pass picks it up.
const StaleThreshold = 24 * time.Hour

// DetectStale ranks the calendars whose last sync is older than the
// threshold, most overdue first. Calendars that have never synced are
// excluded; they get an eager first sync at attach time instead.
func DetectStale(calendars []*model.Calendar, now time.Time) []model.StalenessEntry {
	var entries []model.StalenessEntry
	for _, cal := range calendars {
		if cal.Sync.LastSyncedAt == nil {
			continue
		}

		hours := now.Sub(*cal.Sync.LastSyncedAt).Hours()
		if hours < StaleThreshold.Hours() {
			continue
		}

		entries = append(entries, model.StalenessEntry{
			CalendarID:         cal.ID,
			Name:               cal.Name,
			LastSyncedAt:       cal.Sync.LastSyncedAt,
			HoursSinceLastSync: hours,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].HoursSinceLastSync > entries[j].HoursSinceLastSync
	})

	return entries
}
