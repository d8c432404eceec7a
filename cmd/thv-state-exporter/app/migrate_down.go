package app

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-state-exporter/database"
)

func newMigrateDownCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		Long: `Revert migrations on the remote of every postgres exporter, or only on the
one named by --exporter. Without --num-steps every migration is reverted,
which drops the exported history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := migrationTargets(v)
			if err != nil {
				return err
			}

			steps := int(v.GetUint("num-steps"))
			action := "revert all migrations and drop exported history"
			if steps > 0 {
				action = "revert migrations"
			}
			ok, err := confirm(cmd, v, action, targets)
			if err != nil {
				return err
			}
			if !ok {
				slog.Info("Migration cancelled by user")
				return nil
			}

			for _, t := range targets {
				err := migrateOne(t, func(m database.Migrator) error {
					return database.MigrateDown(m, steps)
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}
