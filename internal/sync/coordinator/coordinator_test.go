package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/inmemory"
	remotemocks "github.com/stacklok/toolhive-state-exporter/internal/remote/mocks"
	"github.com/stacklok/toolhive-state-exporter/internal/source"
	sourcemocks "github.com/stacklok/toolhive-state-exporter/internal/source/mocks"
	"github.com/stacklok/toolhive-state-exporter/internal/source/static"
)

const (
	testExporterName = "test-exporter"
	testTargetURL    = "memory://test"
	metadataTable    = remote.DefaultMetadataTable
	itemsTable       = remote.DefaultItemsTable
)

var errRefused = errors.New("connection refused")

var metadataQuery = remote.Query{
	Filters: []remote.Filter{remote.Eq(record.ColumnID, record.MetadataID)},
	Limit:   1,
}

func newExporterConfig(items ...string) *config.ExporterConfig {
	return &config.ExporterConfig{
		Name:   testExporterName,
		Remote: config.RemoteConfig{Type: config.RemoteTypeMemory, URL: testTargetURL},
		Source: config.SourceConfig{Type: config.SourceTypeStatic},
		Items:  items,
	}
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := record.ParseTimestamp(s)
	require.NoError(t, err)
	return parsed
}

func provisionedRow() remote.Row {
	return remote.Row{"id": int64(1), "provisioned": true, "created_at": time.Now()}
}

func TestProvisioning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(client *remotemocks.MockClient)
		wantErrIs  error
		wantResult bool
	}{
		{
			name: "already provisioned performs no writes",
			setup: func(client *remotemocks.MockClient) {
				client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
					Return([]remote.Row{provisionedRow()}, nil)
			},
			wantResult: true,
		},
		{
			name: "missing row is inserted then re-read",
			setup: func(client *remotemocks.MockClient) {
				gomock.InOrder(
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return(nil, nil),
					client.EXPECT().Insert(gomock.Any(), metadataTable, remote.Row{"id": 1, "provisioned": true}).
						Return(provisionedRow(), nil),
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
						Return([]remote.Row{provisionedRow()}, nil),
				)
			},
			wantResult: true,
		},
		{
			name: "unprovisioned row is upserted then re-read",
			setup: func(client *remotemocks.MockClient) {
				gomock.InOrder(
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
						Return([]remote.Row{{"id": int64(1), "provisioned": false}}, nil),
					client.EXPECT().Upsert(gomock.Any(), metadataTable, remote.Row{"id": 1, "provisioned": true}, "id").
						Return(nil),
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
						Return([]remote.Row{provisionedRow()}, nil),
				)
			},
			wantResult: true,
		},
		{
			name: "insert then upsert is the most a missing row costs",
			setup: func(client *remotemocks.MockClient) {
				gomock.InOrder(
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return(nil, nil),
					client.EXPECT().Insert(gomock.Any(), metadataTable, gomock.Any()).Return(remote.Row{}, nil),
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
						Return([]remote.Row{{"id": int64(1), "provisioned": false}}, nil),
					client.EXPECT().Upsert(gomock.Any(), metadataTable, gomock.Any(), "id").Return(nil),
					client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
						Return([]remote.Row{provisionedRow()}, nil),
				)
			},
			wantResult: true,
		},
		{
			name: "adversarial remote terminates after two writes",
			setup: func(client *remotemocks.MockClient) {
				client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return(nil, nil).Times(3)
				client.EXPECT().Insert(gomock.Any(), metadataTable, gomock.Any()).Return(remote.Row{}, nil).Times(1)
				client.EXPECT().Upsert(gomock.Any(), metadataTable, gomock.Any(), "id").Return(nil).Times(1)
			},
			wantErrIs: ErrProvisioningIncomplete,
		},
		{
			name: "read failure aborts",
			setup: func(client *remotemocks.MockClient) {
				client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
					Return(nil, remote.NewOperationError(remote.OpSelect, metadataTable, remote.KindTransport, errRefused))
			},
			wantErrIs: errRefused,
		},
		{
			name: "malformed metadata row",
			setup: func(client *remotemocks.MockClient) {
				client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).
					Return([]remote.Row{{"id": int64(1)}}, nil)
			},
			wantErrIs: record.ErrMalformedRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			client := remotemocks.NewMockClient(ctrl)
			tt.setup(client)

			c := New(client, static.New(), newExporterConfig()).(*defaultCoordinator)
			md, err := c.provision(context.Background())

			if tt.wantErrIs != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, md.Provisioned)
			assert.Equal(t, record.MetadataID, md.ID)
			assert.Equal(t, testTargetURL, md.TargetURL)
		})
	}
}

func TestProvisioningConvergesOnEmptyStore(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	c := New(store, static.New(), newExporterConfig())

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Metadata.Provisioned)

	rows := store.Rows(metadataTable)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["provisioned"])
	assert.LessOrEqual(t, store.Calls(remote.OpInsert), 1)
	assert.LessOrEqual(t, store.Calls(remote.OpUpsert), 1)
}

func TestUnknownItemIsSkipped(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := remotemocks.NewMockClient(ctrl)
	src := sourcemocks.NewMockStateSource(ctrl)

	gomock.InOrder(
		client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return([]remote.Row{provisionedRow()}, nil),
		client.EXPECT().Select(gomock.Any(), itemsTable, remote.Query{Order: &remote.Order{Column: "id"}}).
			Return([]remote.Row{{"id": int64(1), "item_id": "sensor.known", "state": "on"}}, nil),
		src.EXPECT().Get(gomock.Any(), "sensor.ghost").Return(nil, nil),
	)

	c := New(client, src, newExporterConfig("sensor.ghost"))
	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "sensor.known", snap.Items[0].ItemID)
}

func TestPerItemQueryUsesLatestRow(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := remotemocks.NewMockClient(ctrl)
	src := sourcemocks.NewMockStateSource(ctrl)

	changed := ts(t, "2024-01-01T00:00:00")
	latestQuery := remote.Query{
		Filters: []remote.Filter{remote.Eq("item_id", "sensor.temp")},
		Order:   &remote.Order{Column: "id", Descending: true},
		Limit:   1,
	}

	gomock.InOrder(
		client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return([]remote.Row{provisionedRow()}, nil),
		client.EXPECT().Select(gomock.Any(), itemsTable, gomock.Any()).Return(nil, nil),
		src.EXPECT().Get(gomock.Any(), "sensor.temp").
			Return(&source.State{ItemID: "sensor.temp", Value: "21.5", LastChanged: changed}, nil),
		client.EXPECT().Select(gomock.Any(), itemsTable, latestQuery).Return(nil, nil),
		client.EXPECT().Insert(gomock.Any(), itemsTable, remote.Row{
			"item_id":      "sensor.temp",
			"state":        "21.5",
			"last_changed": "2024-01-01T00:00:00+00:00",
		}).Return(nil, errors.New("insert rejected")),
	)

	c := New(client, src, newExporterConfig("sensor.temp"))
	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrUpdateFailed)

	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StepItemSync, ue.Step)
	assert.Equal(t, "sensor.temp", ue.ItemID)
	assert.Nil(t, c.Snapshot())
}

func TestInsertResponseFallsBackToLocalRecord(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := remotemocks.NewMockClient(ctrl)
	src := static.New()
	src.Set("sensor.temp", "21.5", nil, ts(t, "2024-01-01T00:00:00"))

	client.EXPECT().Select(gomock.Any(), metadataTable, metadataQuery).Return([]remote.Row{provisionedRow()}, nil)
	client.EXPECT().Select(gomock.Any(), itemsTable, gomock.Any()).Return(nil, nil).Times(2)
	// PostgREST without return=representation answers with an empty body
	client.EXPECT().Insert(gomock.Any(), itemsTable, gomock.Any()).Return(remote.Row{}, nil)

	var logged []string
	logger := funcr.New(func(_, args string) { logged = append(logged, args) }, funcr.Options{})
	ctx := logr.NewContext(context.Background(), logger)

	c := New(client, src, newExporterConfig("sensor.temp"))
	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Nil(t, snap.Items[0].ID)
	assert.Equal(t, "21.5", *snap.Items[0].Value)

	var warned bool
	for _, line := range logged {
		if strings.Contains(line, "Insert response not parseable") && strings.Contains(line, `"item_id"="sensor.temp"`) {
			warned = true
		}
	}
	assert.True(t, warned, "discarded insert response is logged: %v", logged)
}

func TestChangeDetectionIsConjunctive(t *testing.T) {
	t.Parallel()

	const (
		v0 = "21.5"
		v1 = "22.0"
		t0 = "2024-01-01T00:00:00"
		t1 = "2024-01-01T00:05:00"
	)

	tests := []struct {
		name        string
		value       string
		changedAt   string
		wantAppends int
	}{
		{name: "same value and timestamp", value: v0, changedAt: t0, wantAppends: 0},
		{name: "same instant in another format", value: v0, changedAt: "2024-01-01T01:00:00+01:00", wantAppends: 0},
		{name: "new timestamp only", value: v0, changedAt: t1, wantAppends: 0},
		{name: "new value only", value: v1, changedAt: t0, wantAppends: 0},
		{name: "both differ", value: v1, changedAt: t1, wantAppends: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := inmemory.New()
			store.Seed(itemsTable, remote.Row{"item_id": "sensor.temp", "state": v0, "last_changed": t0})

			src := static.New()
			src.Set("sensor.temp", tt.value, nil, ts(t, tt.changedAt))

			c := New(store, src, newExporterConfig("sensor.temp"))
			snap, err := c.Refresh(context.Background())
			require.NoError(t, err)

			assert.Len(t, store.Rows(itemsTable), 1+tt.wantAppends)
			assert.Len(t, snap.Items, 1+tt.wantAppends)
			if tt.wantAppends == 1 {
				assert.Equal(t, v1, *snap.Items[1].Value)
			}
		})
	}
}

func TestHasChangedWithMissingFields(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	value := "on"
	stamp := record.FormatTimestamp(now)

	assert.True(t, hasChanged(record.ItemRecord{ItemID: "a"}, "on", now))
	assert.False(t, hasChanged(record.ItemRecord{ItemID: "a", Value: &value}, "on", now))
	assert.False(t, hasChanged(record.ItemRecord{ItemID: "a", ChangedAt: &stamp}, "off", now))
}

func TestFirstObservationAlwaysAppends(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"", "unknown", "0"} {
		store := inmemory.New()
		src := static.New()
		src.Set("sensor.new", value, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

		c := New(store, src, newExporterConfig("sensor.new"))
		snap, err := c.Refresh(context.Background())
		require.NoError(t, err)
		require.Len(t, snap.Items, 1, "value %q", value)
		assert.Equal(t, value, *snap.Items[0].Value)
		assert.Len(t, store.Rows(itemsTable), 1)
	}
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmemory.New()
	src := static.New()
	src.Set("sensor.temp", "21.5", nil, ts(t, "2024-01-01T00:00:00"))

	c := New(store, src, newExporterConfig("sensor.temp"))

	// Scenario 1: fresh coordinator, empty tables.
	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	meta := store.Rows(metadataTable)
	require.Len(t, meta, 1)
	assert.Equal(t, true, meta[0]["provisioned"])
	assert.True(t, snap.Metadata.Provisioned)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "sensor.temp", snap.Items[0].ItemID)
	assert.Equal(t, "21.5", *snap.Items[0].Value)
	assert.Equal(t, 1, snap.ItemCount())

	// Scenario 2: identical observation, no duplicate.
	snap, err = c.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Items, 1)
	assert.Len(t, store.Rows(itemsTable), 1)

	// Scenario 3: value and timestamp both change.
	src.Set("sensor.temp", "22.0", nil, ts(t, "2024-01-01T00:05:00"))
	snap, err = c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "22.0", *snap.Items[1].Value)
	assert.Same(t, snap, c.Snapshot())
}

func TestRefreshWithoutTracerLeavesCallerSpanOpen(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, parent := tp.Tracer("caller").Start(context.Background(), "caller.operation")

	src := static.New()
	src.Set("sensor.temp", "21.5", nil, ts(t, "2024-01-01T00:00:00"))
	c := New(inmemory.New(), src, newExporterConfig("sensor.temp", "sensor.unknown"))

	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, parent.IsRecording())
	assert.Empty(t, exporter.GetSpans())

	// A failing cycle must not touch the caller's span either
	failing := inmemory.New()
	require.NoError(t, failing.Close())
	_, err = New(failing, src, newExporterConfig("sensor.temp")).Refresh(ctx)
	require.Error(t, err)
	assert.True(t, parent.IsRecording())

	parent.End()
	require.Len(t, exporter.GetSpans(), 1)
	assert.Empty(t, exporter.GetSpans()[0].Events)
}

func TestSnapshotAtomicityOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmemory.New()
	src := static.New()
	base := ts(t, "2024-01-01T00:00:00")
	src.Set("sensor.a", "1", nil, base)
	src.Set("sensor.b", "1", nil, base)

	c := New(store, src, newExporterConfig("sensor.a", "sensor.b"))
	first, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)

	// Both items change; the insert for sensor.b fails.
	later := base.Add(time.Minute)
	src.Set("sensor.a", "2", nil, later)
	src.Set("sensor.b", "2", nil, later)
	inserts := 0
	store.InjectFault(func(op, table string) error {
		if op == remote.OpInsert && table == itemsTable {
			inserts++
			if inserts == 2 {
				return errors.New("connection reset")
			}
		}
		return nil
	})

	_, err = c.Refresh(ctx)
	require.ErrorIs(t, err, ErrUpdateFailed)
	assert.Same(t, first, c.Snapshot(), "a failed cycle must not publish")
	assert.Len(t, first.Items, 2, "published snapshot is not mutated")
	assert.Len(t, store.Rows(itemsTable), 3)

	store.InjectFault(nil)
	third, err := c.Refresh(ctx)
	require.NoError(t, err)

	remoteRows := store.Rows(itemsTable)
	require.Len(t, remoteRows, 4)
	require.Len(t, third.Items, len(remoteRows))

	seen := make(map[int64]bool)
	for _, it := range third.Items {
		require.NotNil(t, it.ID)
		assert.False(t, seen[*it.ID], "record %d appears twice", *it.ID)
		seen[*it.ID] = true
	}
	for _, row := range remoteRows {
		assert.True(t, seen[row["id"].(int64)], "remote row %v missing from snapshot", row["id"])
	}
}

func TestResumePoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmemory.New()
	src := static.New()
	src.Set("sensor.temp", "21.5", nil, ts(t, "2024-01-01T00:00:00"))
	c := New(store, src, newExporterConfig("sensor.temp"))

	// Provisioning succeeds, the baseline load fails.
	store.InjectFault(func(op, table string) error {
		if op == remote.OpSelect && table == itemsTable {
			return errors.New("timeout reading items")
		}
		return nil
	})
	_, err := c.Refresh(ctx)
	var ue *UpdateError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, StepBaseline, ue.Step)
	assert.Nil(t, c.Snapshot())

	store.InjectFault(nil)
	store.ResetCalls()

	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)

	// metadata was not read again: one baseline select plus one per-item select
	assert.Equal(t, 2, store.Calls(remote.OpSelect))
	assert.Equal(t, 0, store.Calls(remote.OpUpsert))
}

func TestBaselinePaging(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	store.Seed(metadataTable, remote.Row{"id": 1, "provisioned": true})
	for i := 0; i < 7; i++ {
		store.Seed(itemsTable, remote.Row{"item_id": "sensor.history", "state": "x"})
	}

	cfg := newExporterConfig()
	cfg.BaselinePageSize = 3
	c := New(store, static.New(), cfg)

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Items, 7)
	for i, it := range snap.Items {
		assert.Equal(t, int64(i+1), *it.ID)
	}
	// metadata select plus pages of 3, 3 and 1
	assert.Equal(t, 4, store.Calls(remote.OpSelect))
}

func TestMalformedBaselineRow(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	store.Seed(itemsTable, remote.Row{"state": "orphan"})
	c := New(store, static.New(), newExporterConfig())

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrUpdateFailed)
	assert.ErrorIs(t, err, record.ErrMalformedRecord)
}

type blockingSource struct{}

func (blockingSource) Get(ctx context.Context, _ string) (*source.State, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCycleTimeout(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	c := New(store, blockingSource{}, newExporterConfig("sensor.slow"), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrCycleTimeout)
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, c.Snapshot())
}

func TestCallerCancellationIsNotATimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(inmemory.New(), static.New(), newExporterConfig())
	_, err := c.Refresh(ctx)
	require.ErrorIs(t, err, ErrUpdateFailed)
	assert.NotErrorIs(t, err, ErrCycleTimeout)
}

func TestCustomTables(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	cfg := newExporterConfig("sensor.temp")
	cfg.Remote.Tables = &config.TablesConfig{Metadata: "exporter_meta"}
	src := static.New()
	src.Set("sensor.temp", "1", nil, time.Now())

	c := New(store, src, cfg, WithTables(remote.Tables{Items: "exporter_items"}))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	// WithTables replaces the configured names, filling blanks with defaults
	assert.Len(t, store.Rows(metadataTable), 1)
	assert.Len(t, store.Rows("exporter_items"), 1)
	assert.Empty(t, store.Rows("exporter_meta"))
}

func TestUpdateErrorMessage(t *testing.T) {
	t.Parallel()

	err := &UpdateError{Step: StepItemSync, ItemID: "sensor.a", Err: errors.New("boom")}
	assert.Equal(t, "update failed during item_sync of sensor.a: boom", err.Error())

	err = &UpdateError{Step: StepProvision, Err: errors.New("boom")}
	assert.Equal(t, "update failed during provision: boom", err.Error())
}
