package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-state-exporter/database"
)

func newMigrateUpCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply all pending migrations to the remote of every postgres exporter, or
only to the one named by --exporter.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := migrationTargets(v)
			if err != nil {
				return err
			}

			ok, err := confirm(cmd, v, "apply migrations", targets)
			if err != nil {
				return err
			}
			if !ok {
				slog.Info("Migration cancelled by user")
				return nil
			}

			for _, t := range targets {
				if err := migrateOne(t, database.MigrateUp); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func migrateOne(t migrationTarget, run func(database.Migrator) error) (err error) {
	m, err := database.NewFromConnectionString(t.connString)
	if err != nil {
		return fmt.Errorf("exporter %s: failed to open migrations: %w", t.exporter, err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			slog.Error("Error closing migrator", "exporter", t.exporter, "source_error", srcErr, "db_error", dbErr)
		}
	}()

	slog.Info("Running database migrations", "exporter", t.exporter, "target", t.display)
	if err := run(m); err != nil {
		return fmt.Errorf("exporter %s: failed to run migrations: %w", t.exporter, err)
	}
	reportVersion(t.exporter, m)
	return nil
}
