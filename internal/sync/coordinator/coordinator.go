package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/otel"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

// Coordinator owns the exported snapshot of one remote target and drives the
// refresh cycle that keeps it current.
type Coordinator interface {
	// Refresh runs one cycle and returns the newly published snapshot. On
	// failure nothing is published and the error wraps ErrUpdateFailed.
	// Refresh is not reentrant: callers must not run it concurrently with
	// itself.
	Refresh(ctx context.Context) (*record.Snapshot, error)

	// Snapshot returns the last published snapshot, or nil before the first
	// successful cycle. It is safe to call from any goroutine.
	Snapshot() *record.Snapshot
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	name       string
	remoteType string
	targetURL  string
	items      []string
	tables     remote.Tables
	timeout    time.Duration
	pageSize   int

	client remote.Client
	source source.StateSource

	tracer  trace.Tracer
	metrics *telemetry.ExportMetrics

	// Resume points and working state. Only Refresh touches these.
	provisioned    bool
	baselineLoaded bool
	metadata       record.MetadataRecord
	working        []record.ItemRecord

	published atomic.Pointer[record.Snapshot]
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithTracer sets the tracer used for cycle and step spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *defaultCoordinator) {
		c.tracer = tracer
	}
}

// WithExportMetrics sets the export metrics for the coordinator
func WithExportMetrics(metrics *telemetry.ExportMetrics) Option {
	return func(c *defaultCoordinator) {
		c.metrics = metrics
	}
}

// WithTimeout overrides the per-cycle timeout from the configuration
func WithTimeout(timeout time.Duration) Option {
	return func(c *defaultCoordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBaselinePageSize overrides the baseline page size from the configuration
func WithBaselinePageSize(size int) Option {
	return func(c *defaultCoordinator) {
		c.pageSize = size
	}
}

// WithTables overrides the remote table names
func WithTables(tables remote.Tables) Option {
	return func(c *defaultCoordinator) {
		c.tables = tables.WithDefaults()
	}
}

// New creates a coordinator for the exporter described by cfg. The client is
// owned by the caller and reused for every cycle.
func New(
	client remote.Client,
	src source.StateSource,
	cfg *config.ExporterConfig,
	opts ...Option,
) Coordinator {
	tables := cfg.Remote.GetTables()
	c := &defaultCoordinator{
		name:       cfg.Name,
		remoteType: cfg.Remote.Type,
		targetURL:  cfg.Remote.DisplayURL(),
		items:      slices.Clone(cfg.Items),
		tables:     remote.Tables{Metadata: tables.Metadata, Items: tables.Items}.WithDefaults(),
		timeout:    cfg.GetCycleTimeout(),
		pageSize:   cfg.BaselinePageSize,
		client:     client,
		source:     src,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Snapshot implements Coordinator
func (c *defaultCoordinator) Snapshot() *record.Snapshot {
	return c.published.Load()
}

// Refresh implements Coordinator
func (c *defaultCoordinator) Refresh(ctx context.Context) (snap *record.Snapshot, err error) {
	cycleID := uuid.NewString()
	logger := logr.FromContextOrDiscard(ctx).WithValues("exporter", c.name, "cycle_id", cycleID)
	ctx = logr.NewContext(ctx, logger)

	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Refresh",
		trace.WithAttributes(otel.ExporterAttrs(c.name, c.remoteType)...),
		trace.WithAttributes(otel.AttrCycleID.String(cycleID)),
	)
	defer func() { otel.EndStep(span, err) }()

	cycleCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err = c.runCycle(cycleCtx); err != nil {
		if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = c.timeoutError(err)
		}
		logger.V(1).Info("Refresh cycle failed", "error", err.Error())
		return nil, err
	}

	snap = &record.Snapshot{
		Items:    slices.Clone(c.working),
		Metadata: c.metadata,
	}
	c.published.Store(snap)

	span.SetAttributes(otel.AttrItemCount.Int(snap.ItemCount()))
	c.metrics.RecordItemsTotal(ctx, c.name, int64(snap.ItemCount()))
	logger.V(1).Info("Refresh cycle complete", "item_count", snap.ItemCount())

	return snap, nil
}

// runCycle resumes from the first incomplete step. A failed step leaves the
// earlier resume points set so the next cycle does not repeat them.
func (c *defaultCoordinator) runCycle(ctx context.Context) error {
	if !c.provisioned {
		md, err := c.provision(ctx)
		if err != nil {
			return &UpdateError{Step: StepProvision, Err: err}
		}
		c.metadata = md
		c.provisioned = true
	}

	if !c.baselineLoaded {
		items, err := c.fetchBaseline(ctx)
		if err != nil {
			return &UpdateError{Step: StepBaseline, Err: err}
		}
		c.working = items
		c.baselineLoaded = true
	}

	for _, itemID := range c.items {
		if err := c.syncItem(ctx, itemID); err != nil {
			return &UpdateError{Step: StepItemSync, ItemID: itemID, Err: err}
		}
	}

	return nil
}

// timeoutError rewraps a step error so that it also matches ErrCycleTimeout.
func (c *defaultCoordinator) timeoutError(err error) error {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return &UpdateError{
			Step:   ue.Step,
			ItemID: ue.ItemID,
			Err:    fmt.Errorf("%w after %s: %w", ErrCycleTimeout, c.timeout, ue.Err),
		}
	}
	return &UpdateError{Step: StepItemSync, Err: fmt.Errorf("%w after %s: %w", ErrCycleTimeout, c.timeout, err)}
}
