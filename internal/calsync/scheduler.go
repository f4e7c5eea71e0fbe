package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calfeed/calfeed/internal/calsync/engine"
)

// tickTimeout bounds one full staleness pass, batch included.
const tickTimeout = 10 * time.Minute

// Scheduler ticks the staleness detector on a cron cadence and hands the
// stale list to the orchestrator. Overlapping ticks are harmless: the
// orchestrator's batch guard turns them into no-ops.
type Scheduler struct {
	cron    *cron.Cron
	store   engine.Store
	orch    *engine.Orchestrator
	metrics *engine.Metrics
}

func NewScheduler(spec string, store engine.Store, orch *engine.Orchestrator, metrics *engine.Metrics) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		store:   store,
		orch:    orch,
		metrics: metrics,
	}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	calendars, err := s.store.ListCalendars(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Staleness pass failed to list calendars", "error", err)
		return
	}

	stale := engine.DetectStale(calendars, time.Now())
	s.metrics.RecordStale(ctx, len(stale))

	if len(stale) == 0 {
		slog.InfoContext(ctx, "Staleness pass found nothing to sync", "calendars", len(calendars))
		return
	}

	result := s.orch.RunBatch(ctx, stale)
	slog.InfoContext(ctx, "Scheduled sync batch completed",
		"stale", len(stale), "success", result.SuccessCount, "errors", result.ErrorCount)
}
