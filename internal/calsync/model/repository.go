package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository is the document-store access layer for calendars. It is the
// only writer of calendar records; engine components receive it by
// injection and never touch a process-wide handle.
type Repository struct {
	col *mongo.Collection
}

func New(cli *mongo.Client, database string) *Repository {
	return &Repository{col: cli.Database(database).Collection("calendars")}
}

// GetCalendar returns the calendar with the given id, or nil when no
// such document exists.
func (r *Repository) GetCalendar(ctx context.Context, id string) (*Calendar, error) {
	var cal Calendar
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&cal)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar %s: %w", id, err)
	}
	return &cal, nil
}

func (r *Repository) ListCalendars(ctx context.Context) ([]*Calendar, error) {
	cur, err := r.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer cur.Close(ctx)

	var cals []*Calendar
	if err := cur.All(ctx, &cals); err != nil {
		return nil, fmt.Errorf("failed to decode calendars: %w", err)
	}
	return cals, nil
}

func (r *Repository) InsertCalendar(ctx context.Context, cal *Calendar) error {
	now := time.Now()
	cal.CreatedAt = now
	cal.UpdatedAt = now
	if cal.Events == nil {
		cal.Events = map[string]Event{}
	}
	if cal.Sync.Status == "" {
		cal.Sync.Status = StatusIdle
	}
	if _, err := r.col.InsertOne(ctx, cal); err != nil {
		return fmt.Errorf("failed to insert calendar: %w", err)
	}
	return nil
}

func (r *Repository) DeleteCalendar(ctx context.Context, id string) error {
	if _, err := r.col.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete calendar %s: %w", id, err)
	}
	return nil
}

// updateCalendar applies a partial $set to one calendar document.
func (r *Repository) updateCalendar(ctx context.Context, id string, fields bson.M) error {
	fields["updated_at"] = time.Now()
	res, err := r.col.UpdateByID(ctx, id, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update calendar %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("calendar %s not found", id)
	}
	return nil
}

// MarkSyncing flips a calendar into the transient syncing state. This
// write lands before any feed traffic so observers see progress.
func (r *Repository) MarkSyncing(ctx context.Context, id string) error {
	return r.updateCalendar(ctx, id, bson.M{"sync.status": StatusSyncing})
}

// CompleteSync replaces the calendar's event set wholesale and records a
// successful sync, clearing any prior error fields.
func (r *Repository) CompleteSync(ctx context.Context, id string, events map[string]Event, at time.Time) error {
	if events == nil {
		events = map[string]Event{}
	}
	return r.updateCalendar(ctx, id, bson.M{
		"events":              events,
		"sync.status":         StatusSuccess,
		"sync.last_synced_at": at,
		"sync.error_message":  "",
		"sync.error_type":     "",
		"sync.retryable":      false,
	})
}

// FailSync records a terminal sync failure. Events from the previous
// successful sync are left untouched.
func (r *Repository) FailSync(ctx context.Context, id string, errType ErrorType, msg string, retryable bool) error {
	return r.updateCalendar(ctx, id, bson.M{
		"sync.status":        StatusError,
		"sync.error_message": msg,
		"sync.error_type":    errType,
		"sync.retryable":     retryable,
	})
}

// RepairInterrupted resets calendars stuck in the syncing state, which
// can only happen after an unclean shutdown mid-sync. Returns the number
// of repaired records.
func (r *Repository) RepairInterrupted(ctx context.Context) (int, error) {
	res, err := r.col.UpdateMany(ctx,
		bson.M{"sync.status": StatusSyncing},
		bson.M{"$set": bson.M{
			"sync.status":        StatusError,
			"sync.error_message": "sync interrupted by restart",
			"sync.error_type":    ErrorTypeNetwork,
			"sync.retryable":     true,
			"updated_at":         time.Now(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to repair interrupted syncs: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// WatchCalendar subscribes to change-stream updates for one calendar and
// invokes onChange with the full document after every write. The
// returned function cancels the subscription.
func (r *Repository) WatchCalendar(ctx context.Context, id string, onChange func(*Calendar), onError func(error)) (func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"documentKey._id": id}}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := r.col.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream for calendar %s: %w", id, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer stream.Close(context.Background())

		for stream.Next(watchCtx) {
			var change struct {
				FullDocument *Calendar `bson:"fullDocument"`
			}
			if err := stream.Decode(&change); err != nil {
				slog.Error("Failed to decode calendar change event", "calendar_id", id, "error", err)
				continue
			}
			if change.FullDocument != nil {
				onChange(change.FullDocument)
			}
		}

		if err := stream.Err(); err != nil && watchCtx.Err() == nil && onError != nil {
			onError(err)
		}
	}()

	return cancel, nil
}
