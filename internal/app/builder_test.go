package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/inmemory"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

func staticExporter(name string, items ...string) config.ExporterConfig {
	states := make(map[string]config.StaticState, len(items))
	for _, item := range items {
		states[item] = config.StaticState{State: "on", LastChanged: "2024-01-01T00:00:00+00:00"}
	}
	return config.ExporterConfig{
		Name:   name,
		Remote: config.RemoteConfig{Type: config.RemoteTypeMemory, URL: "memory://" + name},
		Source: config.SourceConfig{Type: config.SourceTypeStatic, States: states},
		Items:  items,
	}
}

// newTestApp builds an app on a temporary data directory with no-op telemetry
func newTestApp(t *testing.T, cfg *config.Config, opts ...ExporterAppOptions) *ExporterApp {
	t.Helper()

	tel, err := telemetry.New(context.Background())
	require.NoError(t, err)

	base := []ExporterAppOptions{
		WithConfig(cfg),
		WithAddress("127.0.0.1:0"),
		WithDataDirectory(t.TempDir()),
		WithTelemetry(tel),
		WithSyncInterval(time.Hour),
	}
	app, err := NewExporterApp(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(time.Second) })
	return app
}

func TestBaseConfigDefaults(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithConfig(&config.Config{}))
	require.NoError(t, err)
	assert.Equal(t, defaultHTTPAddress, built.address)
	assert.Equal(t, defaultDataDir, built.dataDir)
	assert.True(t, built.initialRefresh)
	assert.Nil(t, built.middlewares)
}

func TestWithAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "port only", addr: ":9090"},
		{name: "localhost", addr: "localhost:8080"},
		{name: "ip and port", addr: "127.0.0.1:0"},
		{name: "empty", addr: "", wantErr: true},
		{name: "missing port", addr: ":", wantErr: true},
		{name: "no colon", addr: "8080", wantErr: true},
		{name: "bad port", addr: ":http-alt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &exporterAppConfig{}
			err := WithAddress(tt.addr)(cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, cfg.address)
		})
	}
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()

	require.Error(t, WithDataDirectory("")(&exporterAppConfig{}))
	require.Error(t, WithSyncInterval(-time.Second)(&exporterAppConfig{}))

	cfg := &exporterAppConfig{}
	require.NoError(t, WithInitialRefresh(false)(cfg))
	assert.False(t, cfg.initialRefresh)
}

func TestNewExporterAppRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewExporterApp(context.Background(), WithDataDirectory(t.TempDir()))
	require.Error(t, err)
}

func TestNewExporterAppRunsInitialRefresh(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{
		staticExporter("kitchen", "light.a", "light.b"),
		staticExporter("garage", "switch.door"),
	}})

	exporters := app.Registry().List()
	require.Len(t, exporters, 2)
	assert.Equal(t, 1, exporters[0].Snapshot().ItemCount()) // garage
	assert.Equal(t, 2, exporters[1].Snapshot().ItemCount()) // kitchen
	assert.Equal(t, status.SyncPhaseComplete, exporters[1].Scheduler().Status().Phase)
}

func TestNewExporterAppWithoutInitialRefresh(t *testing.T) {
	t.Parallel()

	app := newTestApp(t,
		&config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}},
		WithInitialRefresh(false),
	)

	exp, ok := app.Registry().Get("kitchen")
	require.True(t, ok)
	assert.Nil(t, exp.Snapshot())
}

func TestNewExporterAppToleratesFailedInitialRefresh(t *testing.T) {
	t.Parallel()

	closed := func(context.Context, *config.RemoteConfig) (remote.Client, error) {
		store := inmemory.New()
		_ = store.Close()
		return store, nil
	}

	app := newTestApp(t,
		&config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}},
		WithRemoteFactory(closed),
	)

	exp, ok := app.Registry().Get("kitchen")
	require.True(t, ok)
	assert.Nil(t, exp.Snapshot())
	assert.Equal(t, status.SyncPhaseFailed, exp.Scheduler().Status().Phase)
	assert.Equal(t, 1, exp.Scheduler().Status().ConsecutiveFailures)
}

func TestNewExporterAppRejectsDuplicateTargets(t *testing.T) {
	t.Parallel()

	a := staticExporter("kitchen", "light.a")
	b := staticExporter("garage", "light.b")
	b.Remote.URL = a.Remote.URL

	_, err := NewExporterApp(context.Background(),
		WithConfig(&config.Config{Exporters: []config.ExporterConfig{a, b}}),
		WithDataDirectory(t.TempDir()),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrAlreadyConfigured))
}

func TestNewExporterAppFactoryErrors(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, *config.RemoteConfig) (remote.Client, error) {
		return nil, errors.New("boom")
	}

	_, err := NewExporterApp(context.Background(),
		WithConfig(&config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}}),
		WithDataDirectory(t.TempDir()),
		WithRemoteFactory(failing),
	)
	require.ErrorContains(t, err, "boom")

	unsupported := staticExporter("kitchen", "light.a")
	unsupported.Source.Type = "carrier-pigeon"
	_, err = NewExporterApp(context.Background(),
		WithConfig(&config.Config{Exporters: []config.ExporterConfig{unsupported}}),
		WithDataDirectory(t.TempDir()),
	)
	require.ErrorContains(t, err, "unsupported source type")
}

func TestDataDirectoryIsLocked(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}}

	first, err := NewExporterApp(context.Background(), WithConfig(cfg), WithDataDirectory(dir))
	require.NoError(t, err)

	_, err = NewExporterApp(context.Background(), WithConfig(cfg), WithDataDirectory(dir))
	require.ErrorIs(t, err, ErrDataDirLocked)

	require.NoError(t, first.Stop(time.Second))

	// The lock is released on stop
	second, err := NewExporterApp(context.Background(), WithConfig(cfg), WithDataDirectory(dir))
	require.NoError(t, err)
	require.NoError(t, second.Stop(time.Second))
}

func TestBuildHTTPServer(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})

	server := app.GetHTTPServer()
	require.NotNil(t, server)
	assert.Equal(t, "127.0.0.1:0", server.Addr)
	assert.Equal(t, defaultReadTimeout, server.ReadTimeout)
	assert.Equal(t, defaultWriteTimeout, server.WriteTimeout)
	assert.Equal(t, defaultIdleTimeout, server.IdleTimeout)

	assert.NotNil(t, server.Handler)
}
