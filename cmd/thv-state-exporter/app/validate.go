package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-state-exporter/internal/config"
	"github.com/stacklok/toolhive-state-exporter/internal/setup"
)

// errValidationFailed is returned when at least one exporter failed validation
var errValidationFailed = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and connect to every remote",
		Long: `Validate loads the configuration file, checks each exporter's options and
connects to its remote store. Each exporter gets one result line with an
error code: cannot_connect, invalid_auth or unknown. Two exporters sharing a
remote fail to load with already_configured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				if errors.Is(err, config.ErrAlreadyConfigured) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", setup.CodeAlreadyConfigured, err)
				}
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return validateExporters(ctx, cmd.OutOrStdout(), cfg, v.GetBool("offline"))
		},
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Bool("offline", false, "Only check options, do not connect to remotes")
	bindFlags(cmd, v, "config", "offline")
	return cmd
}

func validateExporters(ctx context.Context, out io.Writer, cfg *config.Config, offline bool) error {
	failed := false

	for i := range cfg.Exporters {
		exp := &cfg.Exporters[i]

		if err := setup.ValidateOptions(exp.GetSyncInterval(), exp.Items); err != nil {
			failed = true
			fmt.Fprintf(out, "%s: invalid options: %v\n", exp.Name, err)
			continue
		}

		target := exp.Remote.DisplayURL()

		if offline {
			fmt.Fprintf(out, "%s: ok (%s, not contacted)\n", exp.Name, target)
			continue
		}

		title, err := validateRemote(ctx, &exp.Remote)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "%s: %s: %v\n", exp.Name, setup.Code(err), err)
			continue
		}
		fmt.Fprintf(out, "%s: ok (%s)\n", exp.Name, title)
	}

	if failed {
		return errValidationFailed
	}
	return nil
}

func validateRemote(ctx context.Context, remoteCfg *config.RemoteConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return setup.ValidateConnection(ctx, remoteCfg)
}
