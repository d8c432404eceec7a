package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"

	"github.com/stacklok/toolhive-state-exporter/internal/api"
	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/httpclient"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
	"github.com/stacklok/toolhive-state-exporter/internal/status"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

const (
	defaultDataDir        = "./data"
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	lockFileName  = ".lock"
	statusDirName = "status"
)

// ErrDataDirLocked is returned when another process holds the data directory
var ErrDataDirLocked = errors.New("data directory is locked by another process")

// ExporterAppOptions is a function that configures the exporter app builder
type ExporterAppOptions func(*exporterAppConfig) error

// exporterAppConfig collects what NewExporterApp needs. Component overrides
// exist mostly for tests; production uses the defaults.
type exporterAppConfig struct {
	config *config.Config

	// Optional component overrides
	remoteFactory     RemoteFactory
	sourceFactory     SourceFactory
	httpClient        httpclient.Client
	statusPersistence status.StatusPersistence
	telemetry         *telemetry.Telemetry

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	dataDir        string
	initialRefresh bool
	interval       time.Duration

	// set while building
	components *exporterComponents
}

func baseConfig(opts ...ExporterAppOptions) (*exporterAppConfig, error) {
	cfg := &exporterAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		dataDir:        defaultDataDir,
		initialRefresh: true,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewExporterApp builds every configured exporter, runs their first refresh
// and prepares the HTTP server. The data directory is locked for the
// lifetime of the app.
func NewExporterApp(
	ctx context.Context,
	opts ...ExporterAppOptions,
) (*ExporterApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	lock, err := lockDataDir(cfg.dataDir)
	if err != nil {
		return nil, err
	}

	var cleanupNeeded = true
	var reg *registry.Registry
	defer func() {
		if !cleanupNeeded {
			return
		}
		if reg != nil {
			_ = reg.Close()
		}
		_ = lock.Unlock()
	}()

	if cfg.telemetry == nil {
		cfg.telemetry, err = telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.config.Telemetry))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	if cfg.statusPersistence == nil {
		cfg.statusPersistence = status.NewFileStatusPersistence(filepath.Join(cfg.dataDir, statusDirName))
	}

	cfg.components, err = newExporterComponents(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build exporter components: %w", err)
	}

	reg, err = buildRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build exporters: %w", err)
	}

	if cfg.initialRefresh {
		runInitialRefresh(ctx, reg.List())
	}

	httpServer, err := buildHTTPServer(ctx, cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &ExporterApp{
		config:     cfg.config,
		builder:    cfg,
		registry:   reg,
		telemetry:  cfg.telemetry,
		httpServer: httpServer,
		lock:       lock,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithDataDirectory sets the directory holding the lock file and sync status
func WithDataDirectory(dir string) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		if dir == "" {
			return fmt.Errorf("data directory cannot be empty")
		}
		cfg.dataDir = dir
		return nil
	}
}

// WithRemoteFactory overrides how remote clients are created
func WithRemoteFactory(f RemoteFactory) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.remoteFactory = f
		return nil
	}
}

// WithSourceFactory overrides how state sources are created
func WithSourceFactory(f SourceFactory) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.sourceFactory = f
		return nil
	}
}

// WithHTTPClient sets the client shared by REST remotes and sources
func WithHTTPClient(c httpclient.Client) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithStatusPersistence overrides where sync status is kept
func WithStatusPersistence(p status.StatusPersistence) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.statusPersistence = p
		return nil
	}
}

// WithTelemetry injects already initialized telemetry
func WithTelemetry(t *telemetry.Telemetry) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithInitialRefresh controls whether each exporter refreshes once before
// the server starts. Enabled by default.
func WithInitialRefresh(enabled bool) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		cfg.initialRefresh = enabled
		return nil
	}
}

// WithSyncInterval overrides every exporter's refresh interval
func WithSyncInterval(d time.Duration) ExporterAppOptions {
	return func(cfg *exporterAppConfig) error {
		if d < 0 {
			return fmt.Errorf("sync interval cannot be negative")
		}
		cfg.interval = d
		return nil
	}
}

func lockDataDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dir)
	}
	return lock, nil
}

func buildRegistry(ctx context.Context, b *exporterAppConfig) (*registry.Registry, error) {
	slog.Info("Initializing exporters", "count", len(b.config.Exporters))

	reg := registry.New()
	for i := range b.config.Exporters {
		exp, err := b.components.buildExporter(ctx, b.config.Exporters[i])
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		if err := reg.Add(exp); err != nil {
			_ = exp.Close()
			_ = reg.Close()
			return nil, fmt.Errorf("failed to register exporter %s: %w", exp.Name, err)
		}
	}

	slog.Info("Exporters initialized", "count", len(b.config.Exporters))
	return reg, nil
}

// runInitialRefresh runs one synchronous cycle per exporter. A failure is
// not fatal: the exporter stays unready and its scheduler retries.
func runInitialRefresh(ctx context.Context, exporters []*registry.Exporter) {
	for _, exp := range exporters {
		if err := exp.Scheduler().RunOnce(ctx); err != nil {
			slog.Warn("Initial refresh failed", "exporter", exp.Name, "error", err)
			continue
		}
		slog.Info("Initial refresh complete", "exporter", exp.Name, "items", exp.Snapshot().ItemCount())
	}
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *exporterAppConfig,
	reg *registry.Registry,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	if b.telemetry != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		// Metrics and tracing go first to capture every request
		b.middlewares = append([]func(http.Handler) http.Handler{
			metricsMiddleware,
			telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
		}, b.middlewares...)
	}

	serverOpts := []api.ServerOption{api.WithMiddlewares(b.middlewares...)}
	if b.telemetry != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.telemetry.MetricsHandler()))
	}
	router := api.NewServer(reg, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
