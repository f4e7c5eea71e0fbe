package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// ErrSyncInFlight is returned when a manual sync targets a calendar that
// is already being synced.
var ErrSyncInFlight = errors.New("calendar sync already in flight")

// ErrCalendarNotFound is returned when a sync targets an unknown calendar.
var ErrCalendarNotFound = errors.New("calendar not found")

// Syncer runs one calendar sync to completion. *Unit is the production
// implementation.
type Syncer interface {
	Sync(ctx context.Context, cal *model.Calendar) Outcome
}

// Orchestrator fans stale calendars out to concurrent sync units. It
// guarantees at most one batch in flight and never runs two syncs for
// the same calendar concurrently; the manual sync-now path shares both
// guards.
type Orchestrator struct {
	store   Store
	syncer  Syncer
	metrics *Metrics

	mu          sync.Mutex
	batchActive bool
	inFlight    map[string]struct{}
}

func NewOrchestrator(store Store, syncer Syncer, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		store:    store,
		syncer:   syncer,
		metrics:  metrics,
		inFlight: make(map[string]struct{}),
	}
}

// RunBatch syncs every entry concurrently and aggregates the results.
// It is a no-op returning zero counts when the entry list is empty or a
// batch is already running. One calendar's failure never cancels the
// others.
func (o *Orchestrator) RunBatch(ctx context.Context, entries []model.StalenessEntry) *model.SyncBatchResult {
	result := &model.SyncBatchResult{}

	if len(entries) == 0 {
		return result
	}

	o.mu.Lock()
	if o.batchActive {
		o.mu.Unlock()
		slog.InfoContext(ctx, "Sync batch already in flight, skipping")
		return result
	}
	o.batchActive = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.batchActive = false
		o.mu.Unlock()
	}()

	slog.InfoContext(ctx, "Starting sync batch", "calendars", len(entries))

	var (
		g        errgroup.Group
		resultMu sync.Mutex
	)

	for _, entry := range entries {
		if !o.acquire(entry.CalendarID) {
			// A manual sync grabbed this calendar mid-batch.
			continue
		}

		g.Go(func() error {
			defer o.release(entry.CalendarID)

			outcome, err := o.syncOne(ctx, entry.CalendarID)

			resultMu.Lock()
			defer resultMu.Unlock()

			switch {
			case err != nil:
				result.ErrorCount++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", entry.Name, err))
			case outcome.Success:
				result.SuccessCount++
			default:
				result.ErrorCount++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", entry.Name, outcome.ErrorMessage))
			}
			return nil
		})
	}

	_ = g.Wait()

	slog.InfoContext(ctx, "Sync batch finished", "success", result.SuccessCount, "errors", result.ErrorCount)
	return result
}

// SyncNow runs one calendar sync outside the staleness cycle. It is
// rejected with ErrSyncInFlight when that calendar is already syncing,
// whether via a batch or another manual trigger.
func (o *Orchestrator) SyncNow(ctx context.Context, calendarID string) (Outcome, error) {
	if !o.acquire(calendarID) {
		return Outcome{}, ErrSyncInFlight
	}
	defer o.release(calendarID)

	return o.syncOne(ctx, calendarID)
}

func (o *Orchestrator) syncOne(ctx context.Context, calendarID string) (Outcome, error) {
	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return Outcome{}, err
	}
	if cal == nil {
		return Outcome{}, ErrCalendarNotFound
	}

	o.metrics.AddInFlight(ctx, 1)
	start := time.Now()

	outcome := o.syncer.Sync(ctx, cal)

	o.metrics.RecordSync(ctx, outcome.Success, time.Since(start))
	o.metrics.AddInFlight(ctx, -1)

	return outcome, nil
}

func (o *Orchestrator) acquire(calendarID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[calendarID]; busy {
		return false
	}
	o.inFlight[calendarID] = struct{}{}
	return true
}

func (o *Orchestrator) release(calendarID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, calendarID)
}
