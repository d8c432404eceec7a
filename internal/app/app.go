// Package app provides application lifecycle management for the state exporter.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

// ExporterApp encapsulates all components needed to run the exporters and
// the API server in front of them.
type ExporterApp struct {
	mu     sync.Mutex
	config *config.Config

	builder    *exporterAppConfig
	registry   *registry.Registry
	telemetry  *telemetry.Telemetry
	httpServer *http.Server
	lock       *flock.Flock

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	stopOnce   sync.Once
}

// Start starts every exporter's scheduler and then the HTTP server.
// It blocks until the HTTP server stops or encounters an error.
func (app *ExporterApp) Start() error {
	for _, exp := range app.registry.List() {
		exp.Start(app.ctx)
	}

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Serve is Start over an existing listener
func (app *ExporterApp) Serve(l net.Listener) error {
	for _, exp := range app.registry.List() {
		exp.Start(app.ctx)
	}

	slog.Info("Server listening", "address", l.Addr().String())
	if err := app.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application with the given timeout. Exporters
// are closed first so no cycle writes after the server reports shutdown.
// Calling Stop more than once is a no-op.
func (app *ExporterApp) Stop(timeout time.Duration) error {
	var stopErr error
	app.stopOnce.Do(func() {
		stopErr = app.stop(timeout)
	})
	return stopErr
}

func (app *ExporterApp) stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	var errs []error
	if err := app.registry.Close(); err != nil {
		slog.Error("Failed to close exporters", "error", err)
		errs = append(errs, err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	if app.telemetry != nil {
		if err := app.telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}

	if app.lock != nil {
		if err := app.lock.Unlock(); err != nil {
			slog.Warn("Failed to release data directory lock", "error", err)
		}
	}

	slog.Info("Server shutdown complete")
	return errors.Join(errs...)
}

// GetConfig returns the current application configuration
func (app *ExporterApp) GetConfig() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *ExporterApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Registry returns the registry of running exporters
func (app *ExporterApp) Registry() *registry.Registry {
	return app.registry
}
