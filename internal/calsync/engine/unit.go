package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/calfeed/calfeed/internal/calsync/feed"
	"github.com/calfeed/calfeed/internal/calsync/model"
)

// Retry policy for transient failures: up to MaxRetries re-attempts with
// a delay of attempt number times RetryBackoff.
const (
	MaxRetries   = 2
	RetryBackoff = time.Second
)

// Store is the slice of the document store the engine needs. The mongo
// repository satisfies it; tests use an in-memory fake.
type Store interface {
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	ListCalendars(ctx context.Context) ([]*model.Calendar, error)
	MarkSyncing(ctx context.Context, id string) error
	CompleteSync(ctx context.Context, id string, events map[string]model.Event, at time.Time) error
	FailSync(ctx context.Context, id string, errType model.ErrorType, msg string, retryable bool) error
}

// FeedFetcher retrieves raw feed text for one calendar.
type FeedFetcher interface {
	Fetch(ctx context.Context, address string) (string, error)
}

// Outcome is the terminal result of one sync unit run.
type Outcome struct {
	Success      bool
	EventCount   int
	ErrorType    model.ErrorType
	ErrorMessage string
	Retryable    bool
}

// Unit runs the fetch, parse, filter, store pipeline for one calendar.
// Each run moves the calendar through idle -> syncing -> success|error
// and replaces the event map wholesale, so an unchanged feed produces an
// identical map on every run.
type Unit struct {
	store   Store
	fetcher FeedFetcher

	loc     *time.Location
	retries int
	backoff time.Duration
	now     func() time.Time
}

func NewUnit(store Store, fetcher FeedFetcher, loc *time.Location) *Unit {
	if loc == nil {
		loc = time.UTC
	}
	return &Unit{
		store:   store,
		fetcher: fetcher,
		loc:     loc,
		retries: MaxRetries,
		backoff: RetryBackoff,
		now:     time.Now,
	}
}

// Sync executes one sync run against the calendar. Failures are recorded
// on the calendar's own sync record, never propagated as an error.
func (u *Unit) Sync(ctx context.Context, cal *model.Calendar) Outcome {
	slog.InfoContext(ctx, "Starting calendar sync", "calendar_id", cal.ID, "name", cal.Name)

	if err := u.store.MarkSyncing(ctx, cal.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark calendar syncing", "calendar_id", cal.ID, "error", err)
		return u.fail(ctx, cal, err)
	}

	var lastErr error
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*u.backoff); err != nil {
				lastErr = err
				break
			}
			slog.InfoContext(ctx, "Retrying calendar sync", "calendar_id", cal.ID, "attempt", attempt+1)
		}

		raw, err := u.fetcher.Fetch(ctx, cal.Source.FeedAddress)
		if err != nil {
			lastErr = err
			if _, retryable := Classify(err); !retryable {
				break
			}
			continue
		}

		window := feed.CurrentWindow(u.now())
		parsed := feed.Parse(cal.ID, raw, u.loc)
		events := feed.Filter(feed.Expand(parsed, window), window)

		byID := make(map[string]model.Event, len(events))
		for _, ev := range events {
			byID[ev.ID] = ev
		}

		syncedAt := u.now()
		if err := u.store.CompleteSync(ctx, cal.ID, byID, syncedAt); err != nil {
			lastErr = err
			break
		}

		slog.InfoContext(ctx, "Calendar sync succeeded", "calendar_id", cal.ID, "event_count", len(byID))
		return Outcome{Success: true, EventCount: len(byID)}
	}

	return u.fail(ctx, cal, lastErr)
}

func (u *Unit) fail(ctx context.Context, cal *model.Calendar, cause error) Outcome {
	errType, retryable := Classify(cause)
	msg := "sync failed"
	if cause != nil {
		msg = cause.Error()
	}

	slog.ErrorContext(ctx, "Calendar sync failed", "calendar_id", cal.ID, "error_type", errType, "retryable", retryable, "error", msg)

	if err := u.store.FailSync(ctx, cal.ID, errType, msg, retryable); err != nil {
		slog.ErrorContext(ctx, "Failed to record sync failure", "calendar_id", cal.ID, "error", err)
	}

	return Outcome{ErrorType: errType, ErrorMessage: msg, Retryable: retryable}
}

// transientPatterns marks error messages that read like transport
// failures even when they are not a typed *feed.NetworkError.
var transientPatterns = []string{"fetch", "timeout", "timed out", "network", "dns", "no such host", "connection refused", "connection reset"}

// Classify buckets a sync failure: transport failures are retryable
// network errors, everything else is a non-retryable parse-class error.
func Classify(err error) (model.ErrorType, bool) {
	if err == nil {
		return model.ErrorTypeParse, false
	}

	var netErr *feed.NetworkError
	if errors.As(err, &netErr) {
		return model.ErrorTypeNetwork, true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return model.ErrorTypeNetwork, true
		}
	}

	return model.ErrorTypeParse, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
