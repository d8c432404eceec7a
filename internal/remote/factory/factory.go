// Package factory builds remote clients from configuration.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/inmemory"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/mongo"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/postgres"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/postgrest"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/sqlite"
)

// Option configures the factory
type Option func(*factoryOptions)

type factoryOptions struct {
	httpClient httpclient.Client
}

// WithHTTPClient sets the HTTP client used by REST backends
func WithHTTPClient(client httpclient.Client) Option {
	return func(o *factoryOptions) {
		o.httpClient = client
	}
}

// New creates the client selected by cfg.Type. Every construction failure is
// a *remote.ConnectionSetupError.
func New(ctx context.Context, cfg *config.RemoteConfig, opts ...Option) (remote.Client, error) {
	if cfg == nil {
		return nil, &remote.ConnectionSetupError{Err: fmt.Errorf("remote configuration is required")}
	}

	o := &factoryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = httpclient.NewDefaultClient(0)
	}

	client, err := build(ctx, cfg, o)
	if err != nil {
		return nil, &remote.ConnectionSetupError{Type: cfg.Type, Err: err}
	}

	slog.Debug("Remote client created", "type", cfg.Type, "url", cfg.DisplayURL())
	return client, nil
}

func build(ctx context.Context, cfg *config.RemoteConfig, o *factoryOptions) (remote.Client, error) {
	apiKey, err := cfg.GetAPIKey()
	if err != nil && !errors.Is(err, config.ErrNoCredential) {
		return nil, err
	}

	tables := cfg.GetTables()

	switch cfg.Type {
	case config.RemoteTypeMemory:
		return inmemory.New(), nil

	case config.RemoteTypePostgres:
		pgOpts := []postgres.Option{postgres.WithMaxConns(cfg.MaxConns)}
		if apiKey != "" {
			pgOpts = append(pgOpts, postgres.WithPassword(apiKey))
		}
		if cfg.ConnMaxLifetime != "" {
			lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
			if err != nil {
				return nil, fmt.Errorf("failed to parse connMaxLifetime: %w", err)
			}
			pgOpts = append(pgOpts, postgres.WithConnMaxLifetime(lifetime))
		}
		return postgres.New(ctx, cfg.URL, pgOpts...)

	case config.RemoteTypePostgREST:
		if apiKey == "" {
			return nil, fmt.Errorf("postgrest remote needs an API key: %w", config.ErrNoCredential)
		}
		return postgrest.New(cfg.URL, apiKey, o.httpClient)

	case config.RemoteTypeSQLite:
		return sqlite.Open(ctx, cfg.URL, remote.Tables{Metadata: tables.Metadata, Items: tables.Items})

	case config.RemoteTypeMongo:
		return mongo.Connect(ctx, cfg.URL, cfg.Database, apiKey)

	default:
		return nil, fmt.Errorf("%w: %q", remote.ErrUnsupportedType, cfg.Type)
	}
}
