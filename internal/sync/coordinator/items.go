package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-state-exporter/internal/otel"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// Skip reasons reported to metrics
const (
	skipUnknown   = "unknown"
	skipUnchanged = "unchanged"
)

// syncItem exports the current state of one tracked item if it differs from
// the latest remote row. Confirmed inserts are appended to the working mirror.
func (c *defaultCoordinator) syncItem(ctx context.Context, itemID string) (err error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.syncItem",
		trace.WithAttributes(otel.AttrItemID.String(itemID)))
	defer func() { otel.EndStep(span, err) }()

	logger := logr.FromContextOrDiscard(ctx).WithValues("item_id", itemID)

	current, err := c.source.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to read current state: %w", err)
	}
	if current == nil {
		logger.V(1).Info("Skipping item unknown to the source")
		c.metrics.RecordSkip(ctx, c.name, skipUnknown)
		span.SetAttributes(otel.AttrAppended.Bool(false))
		return nil
	}

	rows, err := c.client.Select(ctx, c.tables.Items, remote.Query{
		Filters: []remote.Filter{remote.Eq(record.ColumnItemID, itemID)},
		Order:   &remote.Order{Column: record.ColumnID, Descending: true},
		Limit:   1,
	})
	if err != nil {
		return fmt.Errorf("failed to read latest record: %w", err)
	}

	if len(rows) > 0 {
		latest, err := record.ParseItemRecord(rows[0])
		if err != nil {
			return err
		}
		if !hasChanged(latest, current.Value, current.LastChanged) {
			logger.V(1).Info("Item unchanged")
			c.metrics.RecordSkip(ctx, c.name, skipUnchanged)
			span.SetAttributes(otel.AttrAppended.Bool(false))
			return nil
		}
	}

	rec := record.NewItemRecord(itemID, current.Value, current.Attributes, current.LastChanged)
	stored, err := c.client.Insert(ctx, c.tables.Items, rec.Row())
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if parsed, perr := record.ParseItemRecord(stored); perr == nil {
		rec = parsed
	} else {
		logger.Info("Insert response not parseable, keeping local record", "error", perr.Error())
	}

	c.working = append(c.working, rec)
	c.metrics.RecordAppend(ctx, c.name)
	span.SetAttributes(otel.AttrAppended.Bool(true))
	logger.Info("Appended item record", "state", current.Value)
	return nil
}

// hasChanged decides whether an observation is exported.
//
// NOTE: the rule is conjunctive. A new row is written only when the value AND
// the change timestamp both differ from the latest remote row. A new
// timestamp with the same value is not exported, and neither is a new value
// with the same timestamp. Tests pin this behaviour; relaxing it to "either
// differs" changes what reaches the remote store.
func hasChanged(latest record.ItemRecord, value string, changedAt time.Time) bool {
	valueChanged := latest.Value == nil || *latest.Value != value
	timeChanged := latest.ChangedAt == nil ||
		!record.SameTimestamp(*latest.ChangedAt, record.FormatTimestamp(changedAt))
	return valueChanged && timeChanged
}
