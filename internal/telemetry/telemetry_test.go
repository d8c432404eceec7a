package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		config           *Config
		expectNoOpTracer bool
		expectNoOpMeter  bool
		errorContains    string
	}{
		{name: "nil config", expectNoOpTracer: true, expectNoOpMeter: true},
		{name: "disabled", config: &Config{
			Tracing: &TracingConfig{Enabled: true},
			Metrics: &MetricsConfig{Enabled: true},
		}, expectNoOpTracer: true, expectNoOpMeter: true},
		{name: "enabled without signals", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: false},
			Metrics: &MetricsConfig{Enabled: false},
		}, expectNoOpTracer: true, expectNoOpMeter: true},
		{name: "tracing only", config: &Config{
			Enabled:  true,
			Insecure: true,
			Tracing:  &TracingConfig{Enabled: true, Sampling: 1},
		}, expectNoOpMeter: true},
		{name: "prometheus metrics only", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Exporters: []string{MetricsExporterPrometheus}},
		}, expectNoOpTracer: true},
		{name: "invalid sampling", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 2},
		}, errorContains: "invalid telemetry configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			tel, err := New(ctx, WithTelemetryConfig(tt.config))
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			defer func() { _ = tel.Shutdown(ctx) }()

			_, noopTracer := tel.TracerProvider().(tracenoop.TracerProvider)
			assert.Equal(t, tt.expectNoOpTracer, noopTracer)
			if !tt.expectNoOpTracer {
				_, ok := tel.TracerProvider().(*sdktrace.TracerProvider)
				assert.True(t, ok)
			}

			_, noopMeter := tel.MeterProvider().(noop.MeterProvider)
			assert.Equal(t, tt.expectNoOpMeter, noopMeter)
			if !tt.expectNoOpMeter {
				_, ok := tel.MeterProvider().(*sdkmetric.MeterProvider)
				assert.True(t, ok)
			}

			assert.NotNil(t, tel.Tracer("test"))
		})
	}
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	t.Run("serves runtime metrics when telemetry is disabled", func(t *testing.T) {
		t.Parallel()
		tel, err := New(context.Background())
		require.NoError(t, err)

		assert.Contains(t, scrape(t, tel), "go_goroutines")
	})

	t.Run("exposes exporter metrics through prometheus", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		tel, err := New(ctx, WithTelemetryConfig(&Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Exporters: []string{MetricsExporterPrometheus}},
		}))
		require.NoError(t, err)
		defer func() { _ = tel.Shutdown(ctx) }()

		metrics, err := NewExportMetrics(tel.MeterProvider())
		require.NoError(t, err)
		metrics.RecordAppend(ctx, "kitchen")

		body := scrape(t, tel)
		assert.Contains(t, body, "thv_exporter_appends_total")
		assert.Contains(t, body, `exporter="kitchen"`)
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel, err := New(ctx, WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Enabled: true, Exporters: []string{MetricsExporterPrometheus}},
	}))
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(ctx))
	assert.NotPanics(t, func() { _ = tel.Shutdown(ctx) })
}
