package coordinator

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/stacklok/toolhive-state-exporter/internal/otel"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// fetchBaseline loads the existing item history in id order. With a page
// size of zero the whole table is read in one select; otherwise it is read
// page by page until a short page is returned.
func (c *defaultCoordinator) fetchBaseline(ctx context.Context) (items []record.ItemRecord, err error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.fetchBaseline")
	defer func() { otel.EndStep(span, err) }()

	query := remote.Query{Order: &remote.Order{Column: record.ColumnID}}

	if c.pageSize <= 0 {
		rows, err := c.client.Select(ctx, c.tables.Items, query)
		if err != nil {
			return nil, fmt.Errorf("failed to load item history: %w", err)
		}
		items, err = record.ParseItemRecords(rows)
		if err != nil {
			return nil, err
		}
	} else {
		query.Limit = c.pageSize
		for {
			rows, err := c.client.Select(ctx, c.tables.Items, query)
			if err != nil {
				return nil, fmt.Errorf("failed to load item history at offset %d: %w", query.Offset, err)
			}
			page, err := record.ParseItemRecords(rows)
			if err != nil {
				return nil, err
			}
			items = append(items, page...)
			if len(rows) < c.pageSize {
				break
			}
			query.Offset += c.pageSize
		}
	}

	span.SetAttributes(otel.AttrItemCount.Int(len(items)))
	logr.FromContextOrDiscard(ctx).Info("Loaded item history", "item_count", len(items))
	return items, nil
}
