package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
)

func serve(t *testing.T, app *ExporterApp) (string, <-chan error) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Serve(l) }()
	return "http://" + l.Addr().String(), errCh
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url) //nolint:gosec,noctx // test server
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestExporterAppServeAndStop(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})
	base, errCh := serve(t, app)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readiness") //nolint:gosec,noctx // test server
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	var sensors struct {
		Sensors []struct {
			UniqueID string `json:"unique_id"`
			Value    int    `json:"value"`
		} `json:"sensors"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/exporters/kitchen/sensors", &sensors))
	require.Len(t, sensors.Sensors, 1)
	assert.Equal(t, "supabase_export_memory://kitchen_entity_records", sensors.Sensors[0].UniqueID)
	assert.Equal(t, 1, sensors.Sensors[0].Value)

	assert.Equal(t, http.StatusOK, getJSON(t, base+"/metrics", nil))

	require.NoError(t, app.Stop(5*time.Second))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestExporterAppStopIdempotent(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})

	require.NoError(t, app.Stop(time.Second))
	require.NoError(t, app.Stop(time.Second))
	assert.Empty(t, app.Registry().List())
}

func TestExporterAppStartInvalidAddress(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})
	app.httpServer.Addr = "127.0.0.1:-1"

	err := app.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP server failed")
}

func TestExporterAppReload(t *testing.T) {
	t.Parallel()

	kitchen := staticExporter("kitchen", "light.a")
	garage := staticExporter("garage", "switch.door")
	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{kitchen, garage}})

	origKitchen, ok := app.Registry().Get("kitchen")
	require.True(t, ok)
	origGarage, ok := app.Registry().Get("garage")
	require.True(t, ok)

	changedGarage := staticExporter("garage", "switch.door", "switch.gate")
	attic := staticExporter("attic", "sensor.dust")
	next := &config.Config{Exporters: []config.ExporterConfig{kitchen, changedGarage, attic}}

	require.NoError(t, app.Reload(context.Background(), next))
	assert.Same(t, next, app.GetConfig())

	names := make([]string, 0, 3)
	for _, exp := range app.Registry().List() {
		names = append(names, exp.Name)
	}
	assert.Equal(t, []string{"attic", "garage", "kitchen"}, names)

	sameKitchen, _ := app.Registry().Get("kitchen")
	assert.Same(t, origKitchen, sameKitchen, "unchanged exporter keeps running")

	newGarage, _ := app.Registry().Get("garage")
	assert.NotSame(t, origGarage, newGarage)
	assert.Equal(t, 2, newGarage.Snapshot().ItemCount())

	atticExp, _ := app.Registry().Get("attic")
	assert.Equal(t, 1, atticExp.Snapshot().ItemCount())

	// Dropping an exporter removes it
	require.NoError(t, app.Reload(context.Background(), &config.Config{Exporters: []config.ExporterConfig{kitchen}}))
	_, ok = app.Registry().Get("garage")
	assert.False(t, ok)
}

func TestExporterAppReloadMovesTarget(t *testing.T) {
	t.Parallel()

	kitchen := staticExporter("kitchen", "light.a")
	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{kitchen}})

	renamed := staticExporter("cuisine", "light.a")
	renamed.Remote.URL = kitchen.Remote.URL

	require.NoError(t, app.Reload(context.Background(), &config.Config{Exporters: []config.ExporterConfig{renamed}}))
	_, ok := app.Registry().Get("cuisine")
	assert.True(t, ok)
}

func TestExporterAppReloadReportsConflicts(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})

	clash := staticExporter("garage", "light.b")
	clash.Remote.URL = "memory://kitchen"

	err := app.Reload(context.Background(), &config.Config{Exporters: []config.ExporterConfig{
		staticExporter("kitchen", "light.a"),
		clash,
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrAlreadyConfigured), fmt.Sprint(err))
	_, ok := app.Registry().Get("garage")
	assert.False(t, ok)
}

func TestExporterAppReloadNilConfig(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &config.Config{Exporters: []config.ExporterConfig{staticExporter("kitchen", "light.a")}})
	require.Error(t, app.Reload(context.Background(), nil))
}
