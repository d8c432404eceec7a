package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-state-exporter/database"
	"github.com/stacklok/toolhive-state-exporter/internal/config"
)

func newMigrateCmd() *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long: `Database migration tool for the tables written by postgres exporters.
Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.PersistentFlags().String("exporter", "", "Exporter whose remote is migrated (default: every postgres exporter)")
	for _, name := range []string{"yes", "num-steps", "config", "exporter"} {
		if err := v.BindPFlag(name, cmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error("Failed to bind flag", "flag", name, "error", err)
		}
	}

	cmd.AddCommand(newMigrateUpCmd(v))
	cmd.AddCommand(newMigrateDownCmd(v))
	return cmd
}

// migrationTarget is one postgres remote to migrate
type migrationTarget struct {
	exporter   string
	display    string
	connString string
}

// migrationTargets selects the postgres remotes named by the exporter flag
func migrationTargets(v *viper.Viper) ([]migrationTarget, error) {
	cfg, _, err := loadConfig(v)
	if err != nil {
		return nil, err
	}

	only := v.GetString("exporter")
	var targets []migrationTarget
	for i := range cfg.Exporters {
		exp := &cfg.Exporters[i]
		if only != "" && exp.Name != only {
			continue
		}
		if exp.Remote.Type != config.RemoteTypePostgres {
			if only != "" {
				return nil, fmt.Errorf("exporter %s uses a %s remote, migrations only apply to postgres", exp.Name, exp.Remote.Type)
			}
			continue
		}

		connString, err := postgresConnString(&exp.Remote)
		if err != nil {
			return nil, fmt.Errorf("exporter %s: %w", exp.Name, err)
		}
		targets = append(targets, migrationTarget{
			exporter:   exp.Name,
			display:    exp.Remote.DisplayURL(),
			connString: connString,
		})
	}

	if len(targets) == 0 {
		if only != "" {
			return nil, fmt.Errorf("exporter %s not found", only)
		}
		return nil, fmt.Errorf("no postgres exporters configured")
	}
	return targets, nil
}

// postgresConnString adds the configured credential to the remote URL as
// its password
func postgresConnString(r *config.RemoteConfig) (string, error) {
	password, err := r.GetAPIKey()
	if err != nil {
		if errors.Is(err, config.ErrNoCredential) {
			return r.URL, nil
		}
		return "", err
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("invalid postgres URL: %w", err)
	}
	if u.User == nil {
		return "", fmt.Errorf("postgres URL needs a user name to carry the credential")
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String(), nil
}

// confirm asks before touching a database unless --yes was given
func confirm(cmd *cobra.Command, v *viper.Viper, action string, targets []migrationTarget) (bool, error) {
	if v.GetBool("yes") {
		return true, nil
	}
	for _, t := range targets {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", t.exporter, t.display)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "About to %s. Continue? (yes/no): ", action)

	var response string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &response); err != nil {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	return response == "yes" || response == "y", nil
}

func reportVersion(exporter string, m database.Migrator) {
	version, dirty, err := m.Version()
	switch {
	case err != nil:
		slog.Warn("Unable to get migration version", "exporter", exporter, "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "exporter", exporter, "version", version)
	default:
		slog.Info("Migrations applied", "exporter", exporter, "version", version)
	}
}
