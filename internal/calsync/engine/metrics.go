package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the sync engine's OpenTelemetry instruments. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	syncsTotal     metric.Int64Counter
	syncDuration   metric.Float64Histogram
	inFlightSyncs  metric.Int64UpDownCounter
	staleCalendars metric.Int64Gauge
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("calfeed-sync-engine")

	syncsTotal, err := meter.Int64Counter(
		"calendar.syncs",
		metric.WithDescription("Total number of completed calendar syncs"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync counter: %w", err)
	}

	syncDuration, err := meter.Float64Histogram(
		"calendar.sync.duration",
		metric.WithDescription("Calendar sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync duration histogram: %w", err)
	}

	inFlightSyncs, err := meter.Int64UpDownCounter(
		"calendar.syncs.in_flight",
		metric.WithDescription("Number of calendar syncs currently running"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight counter: %w", err)
	}

	staleCalendars, err := meter.Int64Gauge(
		"calendar.stale",
		metric.WithDescription("Number of calendars past the staleness threshold at the last evaluation"),
		metric.WithUnit("{calendar}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stale gauge: %w", err)
	}

	return &Metrics{
		syncsTotal:     syncsTotal,
		syncDuration:   syncDuration,
		inFlightSyncs:  inFlightSyncs,
		staleCalendars: staleCalendars,
	}, nil
}

func (m *Metrics) RecordSync(ctx context.Context, success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.syncsTotal.Add(ctx, 1, attrs)
	m.syncDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inFlightSyncs.Add(ctx, delta)
}

func (m *Metrics) RecordStale(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.staleCalendars.Record(ctx, int64(count))
}
