package httpx

import (
	"context"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// SetupPrometheusExporter wires a Prometheus exporter into an OTel meter
// provider; the exporter feeds the standard promhttp handler.
func SetupPrometheusExporter() (*metric.MeterProvider, *prometheus.Exporter, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	return metric.NewMeterProvider(metric.WithReader(exporter)), exporter, nil
}

// Shutdown flushes and stops the meter provider.
func Shutdown(ctx context.Context, provider *metric.MeterProvider) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
