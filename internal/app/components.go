package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	remotefactory "github.com/stacklok/toolhive-state-exporter/internal/remote/factory"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
	sourcefactory "github.com/stacklok/toolhive-state-exporter/internal/source/factory"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/coordinator"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/scheduler"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

// syncTracerName names the tracer used for refresh cycle spans
const syncTracerName = "github.com/stacklok/toolhive-state-exporter/sync"

// RemoteFactory creates the remote client of one exporter
type RemoteFactory func(ctx context.Context, cfg *config.RemoteConfig) (remote.Client, error)

// SourceFactory creates the state source of one exporter
type SourceFactory func(cfg *config.SourceConfig) (source.StateSource, error)

// exporterComponents holds what every exporter shares: factories, the
// tracer, metric instruments and status persistence.
type exporterComponents struct {
	remoteFactory     RemoteFactory
	sourceFactory     SourceFactory
	tracer            trace.Tracer
	exportMetrics     *telemetry.ExportMetrics
	syncMetrics       *telemetry.SyncMetrics
	statusPersistence status.StatusPersistence
	interval          time.Duration
}

func newExporterComponents(b *exporterAppConfig) (*exporterComponents, error) {
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = httpclient.NewDefaultClient(0)
	}

	c := &exporterComponents{
		remoteFactory:     b.remoteFactory,
		sourceFactory:     b.sourceFactory,
		statusPersistence: b.statusPersistence,
		interval:          b.interval,
	}
	if c.remoteFactory == nil {
		c.remoteFactory = func(ctx context.Context, cfg *config.RemoteConfig) (remote.Client, error) {
			return remotefactory.New(ctx, cfg, remotefactory.WithHTTPClient(httpClient))
		}
	}
	if c.sourceFactory == nil {
		c.sourceFactory = func(cfg *config.SourceConfig) (source.StateSource, error) {
			return sourcefactory.New(cfg, httpClient)
		}
	}

	if b.telemetry != nil {
		var err error
		c.tracer = b.telemetry.Tracer(syncTracerName)
		if c.exportMetrics, err = telemetry.NewExportMetrics(b.telemetry.MeterProvider()); err != nil {
			return nil, fmt.Errorf("failed to create export metrics: %w", err)
		}
		if c.syncMetrics, err = telemetry.NewSyncMetrics(b.telemetry.MeterProvider()); err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
	}

	return c, nil
}

// buildExporter wires one exporter: remote client, state source,
// coordinator and scheduler. The exporter is returned unstarted.
func (c *exporterComponents) buildExporter(ctx context.Context, cfg config.ExporterConfig) (*registry.Exporter, error) {
	client, err := c.remoteFactory(ctx, &cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("exporter %s: failed to create remote client: %w", cfg.Name, err)
	}

	src, err := c.sourceFactory(&cfg.Source)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("exporter %s: failed to create state source: %w", cfg.Name, err)
	}

	var coordOpts []coordinator.Option
	if c.tracer != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(c.tracer))
	}
	if c.exportMetrics != nil {
		coordOpts = append(coordOpts, coordinator.WithExportMetrics(c.exportMetrics))
	}
	coord := coordinator.New(client, src, &cfg, coordOpts...)

	schedOpts := []scheduler.Option{scheduler.WithInterval(c.interval)}
	if c.syncMetrics != nil {
		schedOpts = append(schedOpts, scheduler.WithSyncMetrics(c.syncMetrics))
	}
	if c.statusPersistence != nil {
		schedOpts = append(schedOpts, scheduler.WithStatusPersistence(c.statusPersistence))
	}
	sched := scheduler.New(coord, &cfg, schedOpts...)

	return registry.NewExporter(cfg, client, sched), nil
}
