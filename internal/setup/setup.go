// Package setup validates exporter configuration before an exporter is
// created: it checks that the remote store is reachable with the given
// credential and range-checks the adjustable options.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/remote"
	"github.com/stacklok/toolhive-state-exporter/internal/remote/factory"
)

// User-facing error codes
const (
	CodeCannotConnect     = "cannot_connect"
	CodeInvalidAuth       = "invalid_auth"
	CodeAlreadyConfigured = "already_configured"
	CodeUnknown           = "unknown"
)

var (
	// ErrCannotConnect means the remote store could not be reached or the
	// client could not be constructed
	ErrCannotConnect = errors.New("cannot connect")

	// ErrInvalidAuth means the remote store rejected the credential
	ErrInvalidAuth = errors.New("invalid authentication")
)

const (
	defaultMaxTries        = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxElapsed      = 10 * time.Second
)

// Option configures ValidateConnection
type Option func(*options)

type options struct {
	httpClient      httpclient.Client
	maxTries        uint
	initialInterval time.Duration
}

// WithHTTPClient sets the HTTP client used by REST backends
func WithHTTPClient(client httpclient.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithMaxTries sets how many times the ping is attempted
func WithMaxTries(n uint) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTries = n
		}
	}
}

// WithInitialInterval sets the wait before the first retry
func WithInitialInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initialInterval = d
		}
	}
}

// ValidateConnection builds a client for cfg and pings the remote store,
// retrying transient failures with exponential backoff. On success it
// returns the title of the new exporter: the remote URL without any
// password. The client is closed before returning.
func ValidateConnection(ctx context.Context, cfg *config.RemoteConfig, opts ...Option) (string, error) {
	o := &options{
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(o)
	}

	var factoryOpts []factory.Option
	if o.httpClient != nil {
		factoryOpts = append(factoryOpts, factory.WithHTTPClient(o.httpClient))
	}

	client, err := factory.New(ctx, cfg, factoryOpts...)
	if err != nil {
		if errors.Is(err, remote.ErrUnsupportedType) {
			return "", err
		}
		slog.Warn("Remote client setup failed", "type", cfg.Type, "error", err)
		return "", fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			slog.Debug("Failed to close validation client", "error", cerr)
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.initialInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := client.Ping(ctx); err != nil {
			if remote.IsAuthError(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.maxTries),
		backoff.WithMaxElapsedTime(defaultMaxElapsed),
	)
	if err != nil {
		slog.Warn("Remote store validation failed", "type", cfg.Type, "url", cfg.DisplayURL(), "error", err)
		if remote.IsAuthError(err) {
			return "", fmt.Errorf("%w: %w", ErrInvalidAuth, err)
		}
		return "", fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}

	return cfg.DisplayURL(), nil
}

// ValidateOptions range-checks the adjustable options: the refresh interval
// must lie in [30s, 86400s] and item ids must not be blank. Nothing is
// contacted.
func ValidateOptions(interval time.Duration, items []string) error {
	return config.ValidateOptions(&config.SyncPolicyConfig{Interval: interval.String()}, items)
}

// Code maps a validation error to its user-facing code
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAuth):
		return CodeInvalidAuth
	case errors.Is(err, ErrCannotConnect):
		return CodeCannotConnect
	case errors.Is(err, config.ErrAlreadyConfigured):
		return CodeAlreadyConfigured
	default:
		return CodeUnknown
	}
}
