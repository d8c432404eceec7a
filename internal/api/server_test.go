package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-state-exporter/internal/api"
	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/inmemory"
	"github.com/stacklok/toolhive-state-exporter/internal/source/static"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/coordinator"
	"github.com/stacklok/toolhive-state-exporter/internal/sync/scheduler"
)

func addExporter(t *testing.T, reg *registry.Registry, name string, refresh bool) {
	t.Helper()

	cfg := config.ExporterConfig{
		Name:   name,
		Remote: config.RemoteConfig{Type: config.RemoteTypeMemory, URL: "memory://" + name},
		Source: config.SourceConfig{Type: config.SourceTypeStatic},
		Items:  []string{"sensor.temp"},
	}
	src := static.New()
	src.Set("sensor.temp", "21.5", nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := inmemory.New()
	sched := scheduler.New(coordinator.New(store, src, &cfg), &cfg)
	if refresh {
		require.NoError(t, sched.RunOnce(context.Background()))
	}
	require.NoError(t, reg.Add(registry.NewExporter(cfg, store, sched)))
	t.Cleanup(func() { _ = reg.Close() })
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	rr := get(t, api.NewServer(registry.New()), "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setup       func(*testing.T, *registry.Registry)
		wantStatus  int
		wantPending []string
	}{
		{
			name:       "no exporters",
			setup:      func(*testing.T, *registry.Registry) {},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "all exporters refreshed",
			setup: func(t *testing.T, reg *registry.Registry) {
				addExporter(t, reg, "kitchen", true)
				addExporter(t, reg, "garage", true)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "exporter without snapshot",
			setup: func(t *testing.T, reg *registry.Registry) {
				addExporter(t, reg, "kitchen", true)
				addExporter(t, reg, "garage", false)
			},
			wantStatus:  http.StatusServiceUnavailable,
			wantPending: []string{"garage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := registry.New()
			tt.setup(t, reg)

			rr := get(t, api.NewServer(reg), "/readiness")
			assert.Equal(t, tt.wantStatus, rr.Code)

			if tt.wantPending != nil {
				var resp api.ReadinessResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantPending, resp.Pending)
			}
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	rr := get(t, api.NewServer(registry.New()), "/version")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.NotEmpty(t, resp[key], key)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	without := get(t, api.NewServer(registry.New()), "/metrics")
	assert.Equal(t, http.StatusNotFound, without.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	with := get(t, api.NewServer(registry.New(), api.WithMetricsHandler(metrics)), "/metrics")
	assert.Equal(t, http.StatusOK, with.Code)
	assert.Equal(t, "# metrics\n", with.Body.String())
}

func TestMiddlewaresAreApplied(t *testing.T) {
	t.Parallel()

	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	server := api.NewServer(registry.New(), api.WithMiddlewares(mw, api.LoggingMiddleware))
	get(t, server, "/health")
	get(t, server, "/v1/exporters")

	assert.Equal(t, []string{"/health", "/v1/exporters"}, seen)
}
