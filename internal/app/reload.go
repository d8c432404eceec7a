package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/registry"
)

// Reload applies a new configuration to the running app. Exporters whose
// configuration is unchanged keep running untouched. Changed exporters are
// rebuilt and swapped in, new ones are added and missing ones are removed.
// Rebuilt and added exporters refresh once before they start.
func (app *ExporterApp) Reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	wanted := make(map[string]struct{}, len(cfg.Exporters))
	for _, exp := range cfg.Exporters {
		wanted[exp.Name] = struct{}{}
	}

	var errs []error

	// Removals go first so a target URL can move between exporter names
	for _, exp := range app.registry.List() {
		if _, ok := wanted[exp.Name]; ok {
			continue
		}
		slog.Info("Removing exporter", "exporter", exp.Name)
		if err := app.registry.Remove(exp.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to remove exporter %s: %w", exp.Name, err))
		}
	}

	var started []*registry.Exporter
	for i := range cfg.Exporters {
		expCfg := cfg.Exporters[i]

		current, exists := app.registry.Get(expCfg.Name)
		if exists && current.Config.Equal(&expCfg) {
			continue
		}

		exp, err := app.builder.components.buildExporter(ctx, expCfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if exists {
			slog.Info("Reloading exporter", "exporter", expCfg.Name)
			err = app.registry.Replace(exp)
		} else {
			slog.Info("Adding exporter", "exporter", expCfg.Name)
			err = app.registry.Add(exp)
		}
		if err != nil {
			_ = exp.Close()
			errs = append(errs, fmt.Errorf("failed to register exporter %s: %w", expCfg.Name, err))
			continue
		}
		started = append(started, exp)
	}

	if app.builder.initialRefresh {
		runInitialRefresh(ctx, started)
	}
	for _, exp := range started {
		exp.Start(app.ctx)
	}

	app.config = cfg
	return errors.Join(errs...)
}
