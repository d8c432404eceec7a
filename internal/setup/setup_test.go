package setup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
)

func restServer(t *testing.T, code int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code >= 400 {
			_, _ = fmt.Fprint(w, `{"message":"rejected","code":"PGRST301"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestValidateConnection(t *testing.T) {
	t.Parallel()

	okServer, _ := restServer(t, http.StatusOK)

	tests := []struct {
		name      string
		cfg       config.RemoteConfig
		wantTitle string
		wantCode  string
	}{
		{
			name:      "memory store",
			cfg:       config.RemoteConfig{Type: config.RemoteTypeMemory, URL: "memory://local"},
			wantTitle: "memory://local",
		},
		{
			name:      "postgrest reachable",
			cfg:       config.RemoteConfig{Type: config.RemoteTypePostgREST, URL: okServer.URL, APIKey: "anon"},
			wantTitle: okServer.URL,
		},
		{
			name:     "postgrest without key",
			cfg:      config.RemoteConfig{Type: config.RemoteTypePostgREST, URL: okServer.URL},
			wantCode: CodeCannotConnect,
		},
		{
			name:     "unsupported type",
			cfg:      config.RemoteConfig{Type: "redis", URL: "redis://localhost"},
			wantCode: CodeUnknown,
		},
		{
			name:     "postgres with unparseable url",
			cfg:      config.RemoteConfig{Type: config.RemoteTypePostgres, URL: "postgres://%zz"},
			wantCode: CodeCannotConnect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			title, err := ValidateConnection(context.Background(), &cfg,
				WithMaxTries(1), WithInitialInterval(time.Millisecond))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, Code(err))
				assert.Empty(t, title)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, title)
		})
	}
}

func TestValidateConnectionRejectedCredentialIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, hits := restServer(t, http.StatusUnauthorized)
	cfg := config.RemoteConfig{Type: config.RemoteTypePostgREST, URL: srv.URL, APIKey: "wrong"}

	_, err := ValidateConnection(context.Background(), &cfg,
		WithMaxTries(3), WithInitialInterval(time.Millisecond))
	require.ErrorIs(t, err, ErrInvalidAuth)
	assert.True(t, remote.IsAuthError(err))
	assert.Equal(t, CodeInvalidAuth, Code(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestValidateConnectionRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	srv, hits := restServer(t, http.StatusServiceUnavailable)
	cfg := config.RemoteConfig{Type: config.RemoteTypePostgREST, URL: srv.URL, APIKey: "anon"}

	_, err := ValidateConnection(context.Background(), &cfg,
		WithMaxTries(3), WithInitialInterval(time.Millisecond))
	require.ErrorIs(t, err, ErrCannotConnect)
	assert.Equal(t, CodeCannotConnect, Code(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestValidateOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		interval time.Duration
		items    []string
		wantErr  bool
	}{
		{name: "lower bound", interval: 30 * time.Second},
		{name: "upper bound", interval: 86400 * time.Second, items: []string{"sensor.a"}},
		{name: "below range", interval: 29 * time.Second, wantErr: true},
		{name: "above range", interval: 86401 * time.Second, wantErr: true},
		{name: "blank item", interval: time.Minute, items: []string{"sensor.a", " "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateOptions(tt.interval, tt.items)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Code(nil))
	assert.Equal(t, CodeCannotConnect, Code(fmt.Errorf("wrapped: %w", ErrCannotConnect)))
	assert.Equal(t, CodeInvalidAuth, Code(fmt.Errorf("%w: %w", ErrInvalidAuth, ErrCannotConnect)))
	assert.Equal(t, CodeAlreadyConfigured, Code(config.ErrAlreadyConfigured))
	assert.Equal(t, CodeUnknown, Code(errors.New("boom")))
}
