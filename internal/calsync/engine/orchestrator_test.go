package engine

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calfeed/calfeed/internal/calsync/model"
	ctesting "github.com/calfeed/calfeed/internal/calsync/testing"
)

type syncerFunc func(ctx context.Context, cal *model.Calendar) Outcome

func (f syncerFunc) Sync(ctx context.Context, cal *model.Calendar) Outcome {
	return f(ctx, cal)
}

// blockingSyncer parks every sync until released, so tests can observe
// in-flight state deterministically.
type blockingSyncer struct {
	started chan string
	release chan struct{}
}

func newBlockingSyncer() *blockingSyncer {
	return &blockingSyncer{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingSyncer) Sync(ctx context.Context, cal *model.Calendar) Outcome {
	b.started <- cal.ID
	<-b.release
	return Outcome{Success: true}
}

func entriesFor(cals ...*model.Calendar) []model.StalenessEntry {
	entries := make([]model.StalenessEntry, 0, len(cals))
	for _, cal := range cals {
		entries = append(entries, model.StalenessEntry{CalendarID: cal.ID, Name: cal.Name})
	}
	return entries
}

func TestOrchestrator_RunBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates successes and failures", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		good := f.CreateCalendar("good", "https://example.com/good.ics")
		bad := f.CreateCalendar("bad", "https://example.com/bad.ics")

		syncer := syncerFunc(func(ctx context.Context, cal *model.Calendar) Outcome {
			if cal.ID == bad.ID {
				return Outcome{ErrorType: model.ErrorTypeNetwork, ErrorMessage: "fetch timeout", Retryable: true}
			}
			return Outcome{Success: true, EventCount: 3}
		})

		o := NewOrchestrator(f.Store, syncer, nil)
		result := o.RunBatch(ctx, entriesFor(good, bad))

		if result.SuccessCount != 1 || result.ErrorCount != 1 {
			t.Errorf("result = %+v, want 1 success and 1 error", result)
		}
		if diff := cmp.Diff([]string{"bad: fetch timeout"}, result.Errors); diff != "" {
			t.Errorf("errors mismatch (-want +got):\n%s", diff)
		}
	}))

	t.Run("empty batch is a no-op", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		o := NewOrchestrator(f.Store, syncerFunc(func(ctx context.Context, cal *model.Calendar) Outcome {
			t.Error("syncer should not run for an empty batch")
			return Outcome{}
		}), nil)

		result := o.RunBatch(ctx, nil)
		if result.SuccessCount != 0 || result.ErrorCount != 0 {
			t.Errorf("result = %+v, want zero counts", result)
		}
	}))

	t.Run("unknown calendars are reported, not fatal", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		good := f.CreateCalendar("good", "https://example.com/good.ics")

		o := NewOrchestrator(f.Store, syncerFunc(func(ctx context.Context, cal *model.Calendar) Outcome {
			return Outcome{Success: true}
		}), nil)

		entries := append(entriesFor(good), model.StalenessEntry{CalendarID: "missing", Name: "ghost"})
		result := o.RunBatch(ctx, entries)

		if result.SuccessCount != 1 || result.ErrorCount != 1 {
			t.Errorf("result = %+v, want 1 success and 1 error", result)
		}
	}))

	t.Run("at most one batch in flight", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		cal := f.CreateCalendar("slow", "https://example.com/slow.ics")

		syncer := newBlockingSyncer()
		o := NewOrchestrator(f.Store, syncer, nil)

		done := make(chan *model.SyncBatchResult, 1)
		go func() {
			done <- o.RunBatch(ctx, entriesFor(cal))
		}()

		<-syncer.started

		// A second batch while the first is running returns zero counts.
		second := o.RunBatch(ctx, entriesFor(cal))
		if second.SuccessCount != 0 || second.ErrorCount != 0 {
			t.Errorf("second batch = %+v, want zero counts", second)
		}

		close(syncer.release)

		first := <-done
		if first.SuccessCount != 1 {
			t.Errorf("first batch = %+v, want 1 success", first)
		}
	}))

	t.Run("batch syncs calendars concurrently", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		a := f.CreateCalendar("a", "https://example.com/a.ics")
		b := f.CreateCalendar("b", "https://example.com/b.ics")

		syncer := newBlockingSyncer()
		o := NewOrchestrator(f.Store, syncer, nil)

		done := make(chan *model.SyncBatchResult, 1)
		go func() {
			done <- o.RunBatch(ctx, entriesFor(a, b))
		}()

		// Both syncs start before either finishes.
		started := []string{<-syncer.started, <-syncer.started}
		sort.Strings(started)
		want := []string{a.ID, b.ID}
		sort.Strings(want)
		if diff := cmp.Diff(want, started); diff != "" {
			t.Errorf("started set mismatch (-want +got):\n%s", diff)
		}

		close(syncer.release)

		if result := <-done; result.SuccessCount != 2 {
			t.Errorf("result = %+v, want 2 successes", result)
		}
	}))
}

func TestOrchestrator_SyncNow(t *testing.T) {
	ctx := context.Background()

	t.Run("runs a single calendar sync", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		cal := f.CreateCalendar("solo", "https://example.com/solo.ics")

		o := NewOrchestrator(f.Store, syncerFunc(func(ctx context.Context, c *model.Calendar) Outcome {
			return Outcome{Success: true, EventCount: 7}
		}), nil)

		outcome, err := o.SyncNow(ctx, cal.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !outcome.Success || outcome.EventCount != 7 {
			t.Errorf("outcome = %+v", outcome)
		}
	}))

	t.Run("unknown calendar", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		o := NewOrchestrator(f.Store, syncerFunc(func(ctx context.Context, c *model.Calendar) Outcome {
			return Outcome{Success: true}
		}), nil)

		if _, err := o.SyncNow(ctx, "nope"); !errors.Is(err, ErrCalendarNotFound) {
			t.Errorf("err = %v, want ErrCalendarNotFound", err)
		}
	}))

	t.Run("rejected while the calendar is mid-batch", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		cal := f.CreateCalendar("busy", "https://example.com/busy.ics")

		syncer := newBlockingSyncer()
		o := NewOrchestrator(f.Store, syncer, nil)

		done := make(chan *model.SyncBatchResult, 1)
		go func() {
			done <- o.RunBatch(ctx, entriesFor(cal))
		}()

		<-syncer.started

		if _, err := o.SyncNow(ctx, cal.ID); !errors.Is(err, ErrSyncInFlight) {
			t.Errorf("err = %v, want ErrSyncInFlight", err)
		}

		close(syncer.release)
		<-done

		// Once the batch finishes the calendar can sync again.
		if _, err := o.SyncNow(ctx, cal.ID); err != nil {
			t.Errorf("unexpected error after batch completion: %v", err)
		}
	}))

	t.Run("a manually held calendar is skipped by the batch", ctesting.WithFixture(func(t *testing.T, f *ctesting.Fixture) {
		cal := f.CreateCalendar("held", "https://example.com/held.ics")

		syncer := newBlockingSyncer()
		o := NewOrchestrator(f.Store, syncer, nil)

		manualDone := make(chan struct{})
		go func() {
			defer close(manualDone)
			if _, err := o.SyncNow(ctx, cal.ID); err != nil {
				t.Errorf("manual sync failed: %v", err)
			}
		}()

		<-syncer.started

		// The batch must not start a second sync for the held calendar.
		result := o.RunBatch(ctx, entriesFor(cal))
		if result.SuccessCount != 0 || result.ErrorCount != 0 {
			t.Errorf("batch result = %+v, want zero counts", result)
		}

		select {
		case id := <-syncer.started:
			t.Errorf("unexpected second sync started for %s", id)
		case <-time.After(50 * time.Millisecond):
		}

		close(syncer.release)
		<-manualDone
	}))
}
