package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-state-exporter/internal/app"
	"github.com/stacklok/toolhive-state-exporter/internal/config"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the exporters and the API server",
		Long: `Run every exporter declared in the configuration file and serve their
status, snapshots and sensors over HTTP.

Each exporter refreshes once before the server starts and then on its
configured interval. Send SIGHUP to reload the configuration: changed
exporters are rebuilt, the rest keep running.

See examples/ directory for sample configurations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().String("data-dir", "./data", "Directory for sync status and the process lock")
	bindFlags(cmd, v, "address", "config", "data-dir")

	return cmd
}

// newViper returns a viper instance reading THV_EXPORTER_* variables, with
// dashes in keys mapped to underscores
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlags(cmd *cobra.Command, v *viper.Viper, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			slog.Error("Failed to bind flag", "flag", name, "error", err)
		}
	}
}

func loadConfig(v *viper.Viper) (*config.Config, string, error) {
	configPath := v.GetString("config")
	if configPath == "" {
		return nil, "", fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, configPath, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, configPath, err := loadConfig(v)
	if err != nil {
		return err
	}
	slog.Info("Loaded configuration", "path", configPath, "exporters", len(cfg.Exporters))

	exporterApp, err := app.NewExporterApp(ctx,
		app.WithConfig(cfg),
		app.WithAddress(v.GetString("address")),
		app.WithDataDirectory(v.GetString("data-dir")),
	)
	if err != nil {
		return fmt.Errorf("failed to create exporter app: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- exporterApp.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-serveErr:
			if stopErr := exporterApp.Stop(defaultGracefulTimeout); stopErr != nil {
				slog.Error("Shutdown failed", "error", stopErr)
			}
			return err

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(ctx, v, exporterApp)
				continue
			}
			slog.Info("Received signal", "signal", sig.String())
			return exporterApp.Stop(defaultGracefulTimeout)
		}
	}
}

// reload re-reads the configuration file. An invalid file leaves the
// running exporters untouched.
func reload(ctx context.Context, v *viper.Viper, exporterApp *app.ExporterApp) {
	cfg, configPath, err := loadConfig(v)
	if err != nil {
		slog.Error("Configuration reload failed", "error", err)
		return
	}
	if err := exporterApp.Reload(ctx, cfg); err != nil {
		slog.Error("Configuration reload incomplete", "path", configPath, "error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", configPath, "exporters", len(cfg.Exporters))
}
