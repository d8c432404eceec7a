package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// ExportMetricsMeterName is the name used for the export metrics meter
	ExportMetricsMeterName = "github.com/stacklok/toolhive-state-exporter/export"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/toolhive-state-exporter/sync"
)

// ExportMetrics holds the OpenTelemetry instruments describing exported records
type ExportMetrics struct {
	itemsTotal   metric.Int64Gauge
	appendsTotal metric.Int64Counter
	skipsTotal   metric.Int64Counter
}

// NewExportMetrics creates a new ExportMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewExportMetrics(provider metric.MeterProvider) (*ExportMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ExportMetricsMeterName)

	itemsTotal, err := meter.Int64Gauge(
		"thv_exporter_items_total",
		metric.WithDescription("Number of item records held in each exporter's mirror"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	appendsTotal, err := meter.Int64Counter(
		"thv_exporter_appends_total",
		metric.WithDescription("Number of item records appended to the remote store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	skipsTotal, err := meter.Int64Counter(
		"thv_exporter_skips_total",
		metric.WithDescription("Number of tracked items skipped during a cycle, by reason"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &ExportMetrics{
		itemsTotal:   itemsTotal,
		appendsTotal: appendsTotal,
		skipsTotal:   skipsTotal,
	}, nil
}

// RecordItemsTotal records the current mirror size of an exporter
func (m *ExportMetrics) RecordItemsTotal(ctx context.Context, exporterName string, count int64) {
	if m == nil || m.itemsTotal == nil {
		return
	}
	m.itemsTotal.Record(ctx, count, metric.WithAttributes(attribute.String("exporter", exporterName)))
}

// RecordAppend counts one record appended for an item
func (m *ExportMetrics) RecordAppend(ctx context.Context, exporterName string) {
	if m == nil || m.appendsTotal == nil {
		return
	}
	m.appendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exporter", exporterName)))
}

// RecordSkip counts one tracked item that produced no write
func (m *ExportMetrics) RecordSkip(ctx context.Context, exporterName, reason string) {
	if m == nil || m.skipsTotal == nil {
		return
	}
	m.skipsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exporter", exporterName),
		attribute.String("reason", reason),
	))
}

// SyncMetrics holds the OpenTelemetry instruments for refresh cycle metrics
type SyncMetrics struct {
	syncDuration        metric.Float64Histogram
	consecutiveFailures metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"thv_exporter_sync_duration_seconds",
		metric.WithDescription("Duration of refresh cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30),
	)
	if err != nil {
		return nil, err
	}

	consecutiveFailures, err := meter.Int64Gauge(
		"thv_exporter_consecutive_failures",
		metric.WithDescription("Number of consecutive failed refresh cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:        syncDuration,
		consecutiveFailures: consecutiveFailures,
	}, nil
}

// RecordSyncDuration records the duration of a refresh cycle for an exporter
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, exporterName string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exporter", exporterName),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordConsecutiveFailures records the current failure streak of an exporter
func (m *SyncMetrics) RecordConsecutiveFailures(ctx context.Context, exporterName string, failures int) {
	if m == nil || m.consecutiveFailures == nil {
		return
	}
	m.consecutiveFailures.Record(ctx, int64(failures), metric.WithAttributes(attribute.String("exporter", exporterName)))
}
