package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/calfeed/calfeed/internal/calsync/model"
)

// Store is an in-memory stand-in for the mongo calendar repository. It
// satisfies both the engine's and the HTTP server's store interfaces.
type Store struct {
	mu        sync.Mutex
	calendars map[string]*model.Calendar
	watchers  map[string][]func(*model.Calendar)
}

func NewStore() *Store {
	return &Store{
		calendars: make(map[string]*model.Calendar),
		watchers:  make(map[string][]func(*model.Calendar)),
	}
}

func (s *Store) GetCalendar(_ context.Context, id string) (*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal, ok := s.calendars[id]
	if !ok {
		return nil, nil
	}
	return copyCalendar(cal), nil
}

func (s *Store) ListCalendars(_ context.Context) ([]*model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Calendar, 0, len(s.calendars))
	for _, cal := range s.calendars {
		out = append(out, copyCalendar(cal))
	}
	return out, nil
}

func (s *Store) InsertCalendar(_ context.Context, cal *model.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calendars[cal.ID]; exists {
		return fmt.Errorf("calendar %s already exists", cal.ID)
	}
	now := time.Now()
	cal.CreatedAt = now
	cal.UpdatedAt = now
	if cal.Events == nil {
		cal.Events = map[string]model.Event{}
	}
	if cal.Sync.Status == "" {
		cal.Sync.Status = model.StatusIdle
	}
	s.calendars[cal.ID] = copyCalendar(cal)
	return nil
}

func (s *Store) DeleteCalendar(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calendars, id)
	return nil
}

func (s *Store) MarkSyncing(_ context.Context, id string) error {
	return s.mutate(id, func(cal *model.Calendar) {
		cal.Sync.Status = model.StatusSyncing
	})
}

func (s *Store) CompleteSync(_ context.Context, id string, events map[string]model.Event, at time.Time) error {
	return s.mutate(id, func(cal *model.Calendar) {
		if events == nil {
			events = map[string]model.Event{}
		}
		cal.Events = events
		cal.Sync = model.SyncState{Status: model.StatusSuccess, LastSyncedAt: &at}
	})
}

func (s *Store) FailSync(_ context.Context, id string, errType model.ErrorType, msg string, retryable bool) error {
	return s.mutate(id, func(cal *model.Calendar) {
		cal.Sync.Status = model.StatusError
		cal.Sync.ErrorMessage = msg
		cal.Sync.ErrorType = errType
		cal.Sync.Retryable = retryable
	})
}

func (s *Store) WatchCalendar(_ context.Context, id string, onChange func(*model.Calendar), _ func(error)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[id] = append(s.watchers[id], onChange)
	idx := len(s.watchers[id]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if watchers, ok := s.watchers[id]; ok && idx < len(watchers) {
			watchers[idx] = nil
		}
	}, nil
}

func (s *Store) mutate(id string, fn func(*model.Calendar)) error {
	s.mu.Lock()
	cal, ok := s.calendars[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("calendar %s not found", id)
	}
	fn(cal)
	cal.UpdatedAt = time.Now()

	snapshot := copyCalendar(cal)
	watchers := append([]func(*model.Calendar){}, s.watchers[id]...)
	s.mu.Unlock()

	for _, w := range watchers {
		if w != nil {
			w(copyCalendar(snapshot))
		}
	}
	return nil
}

func copyCalendar(cal *model.Calendar) *model.Calendar {
	cp := *cal
	cp.Events = make(map[string]model.Event, len(cal.Events))
	for k, v := range cal.Events {
		cp.Events[k] = v
	}
	if cal.Sync.LastSyncedAt != nil {
		at := *cal.Sync.LastSyncedAt
		cp.Sync.LastSyncedAt = &at
	}
	return &cp
}

// Fixture bundles the in-memory store with seeding helpers.
type Fixture struct {
	Store *Store
}

// WithFixture wraps a subtest with a fresh fixture.
func WithFixture(fn func(*testing.T, *Fixture)) func(*testing.T) {
	return func(t *testing.T) {
		t.Helper()
		fn(t, &Fixture{Store: NewStore()})
	}
}

// CreateCalendar seeds an idle calendar subscribed to the given feed.
func (f *Fixture) CreateCalendar(name, feedAddress string) *model.Calendar {
	cal := &model.Calendar{
		ID:     uuid.NewString(),
		Name:   name,
		Source: model.Source{FeedAddress: feedAddress},
		Events: map[string]model.Event{},
		Sync:   model.SyncState{Status: model.StatusIdle},
	}
	if err := f.Store.InsertCalendar(context.Background(), cal); err != nil {
		panic(err)
	}
	return cal
}

// CreateSyncedCalendar seeds a calendar whose last sync finished at the
// given time.
func (f *Fixture) CreateSyncedCalendar(name string, lastSyncedAt time.Time) *model.Calendar {
	cal := f.CreateCalendar(name, "https://example.com/"+name+".ics")
	if err := f.Store.CompleteSync(context.Background(), cal.ID, nil, lastSyncedAt); err != nil {
		panic(err)
	}
	cal.Sync = model.SyncState{Status: model.StatusSuccess, LastSyncedAt: &lastSyncedAt}
	return cal
}
