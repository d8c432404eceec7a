package coordinator

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/stacklok/toolhive-state-exporter/internal/otel"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

// provision makes sure the metadata row exists with provisioned=true.
//
// It is a bounded loop: read the row, and if it is missing or not yet
// provisioned, write it and read again. A missing row is inserted at most
// once and an unprovisioned row is upserted at most once, so the loop issues
// at most two writes and three reads. A row that is already provisioned costs
// one read and no writes.
func (c *defaultCoordinator) provision(ctx context.Context) (md record.MetadataRecord, err error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.provision")
	defer func() { otel.EndStep(span, err) }()

	logger := logr.FromContextOrDiscard(ctx)
	query := remote.Query{
		Filters: []remote.Filter{remote.Eq(record.ColumnID, record.MetadataID)},
		Limit:   1,
	}

	var inserted, upserted bool
	for {
		rows, err := c.client.Select(ctx, c.tables.Metadata, query)
		if err != nil {
			return md, fmt.Errorf("failed to read metadata: %w", err)
		}

		found := len(rows) > 0
		if found {
			md, err = record.ParseMetadataRecord(rows[0], c.targetURL)
			if err != nil {
				return md, err
			}
			if md.Provisioned {
				return md, nil
			}
		}

		switch {
		case !found && !inserted:
			logger.Info("Creating metadata row", "table", c.tables.Metadata)
			if _, err := c.client.Insert(ctx, c.tables.Metadata, record.ProvisionedMetadataRow()); err != nil {
				return md, fmt.Errorf("failed to create metadata: %w", err)
			}
			inserted = true
		case !upserted:
			logger.Info("Marking metadata row provisioned", "table", c.tables.Metadata)
			err := c.client.Upsert(ctx, c.tables.Metadata, record.ProvisionedMetadataRow(), record.ColumnID)
			if err != nil {
				return md, fmt.Errorf("failed to mark metadata provisioned: %w", err)
			}
			upserted = true
		default:
			return md, ErrProvisioningIncomplete
		}
	}
}
