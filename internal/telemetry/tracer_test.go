package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTracerProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []ProviderOption
		expectNoOp bool
	}{
		{name: "no-op without config", expectNoOp: true},
		{
			name:       "no-op when tracing disabled",
			opts:       []ProviderOption{WithTracingConfig(&TracingConfig{Enabled: false})},
			expectNoOp: true,
		},
		{
			name: "SDK provider when tracing enabled",
			opts: []ProviderOption{
				WithTracingConfig(&TracingConfig{Enabled: true, Sampling: 1}),
				WithInsecure(true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			tp, err := NewTracerProvider(ctx, tt.opts...)
			require.NoError(t, err)

			if tt.expectNoOp {
				_, ok := tp.(noop.TracerProvider)
				assert.True(t, ok, "expected no-op tracer provider")
				return
			}
			sdkTP, ok := tp.(*sdktrace.TracerProvider)
			require.True(t, ok, "expected SDK tracer provider")
			_ = sdkTP.Shutdown(ctx)
		})
	}
}
