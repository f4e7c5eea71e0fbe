package model

import (
	"time"
)

// SyncStatus is the lifecycle state of a calendar's sync record.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
)

// ErrorType classifies a failed sync for retry decisions.
type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeParse   ErrorType = "parse"
)

// EventSourceFeed tags events ingested from an iCalendar feed.
const EventSourceFeed = "ical_feed"

// Event is one normalized occurrence parsed from a feed.
type Event struct {
	ID          string    `bson:"id" json:"id"`
	Title       string    `bson:"title" json:"title"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	Location    string    `bson:"location,omitempty" json:"location,omitempty"`
	StartTime   time.Time `bson:"start_time" json:"startTime"`
	EndTime     time.Time `bson:"end_time" json:"endTime"`
	IsAllDay    bool      `bson:"is_all_day" json:"isAllDay"`
	CalendarID  string    `bson:"calendar_id" json:"calendarId"`
	Source      string    `bson:"source" json:"source"`
}

// SyncState is the per-calendar sync bookkeeping record.
//
// Status "syncing" is transient: it is always followed by "success" or
// "error" within the same process. Calendars found syncing at startup
// were interrupted and get repaired to an error state.
type SyncState struct {
	Status       SyncStatus `bson:"status" json:"status"`
	LastSyncedAt *time.Time `bson:"last_synced_at,omitempty" json:"lastSyncedAt,omitempty"`
	ErrorMessage string     `bson:"error_message,omitempty" json:"errorMessage,omitempty"`
	ErrorType    ErrorType  `bson:"error_type,omitempty" json:"errorType,omitempty"`
	Retryable    bool       `bson:"retryable,omitempty" json:"retryable,omitempty"`
}

// Source identifies the remote feed a calendar is subscribed to.
type Source struct {
	FeedAddress string `bson:"feed_address" json:"feedAddress"`
}

// Calendar is a subscribed external calendar and its local event copy.
// The events map is replaced wholesale on every successful sync.
type Calendar struct {
	ID          string           `bson:"_id" json:"calendarId"`
	Name        string           `bson:"name" json:"name"`
	Color       string           `bson:"color,omitempty" json:"color,omitempty"`
	Description string           `bson:"description,omitempty" json:"description,omitempty"`
	Source      Source           `bson:"source" json:"source"`
	Events      map[string]Event `bson:"events" json:"events"`
	Sync        SyncState        `bson:"sync" json:"sync"`
	CreatedAt   time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `bson:"updated_at" json:"updatedAt"`
}

// SyncBatchResult aggregates one orchestration pass. It is reported to
// the caller and never persisted.
type SyncBatchResult struct {
	SuccessCount int      `json:"successCount"`
	ErrorCount   int      `json:"errorCount"`
	Errors       []string `json:"errors,omitempty"`
}

// StalenessEntry is a derived, transient view of an overdue calendar.
type StalenessEntry struct {
	CalendarID         string     `json:"calendarId"`
	Name               string     `json:"name"`
	LastSyncedAt       *time.Time `json:"lastSyncedAt"`
	HoursSinceLastSync float64    `json:"hoursSinceLastSync"`
}
