package cli

import (
	"errors"
	"log/slog"

	"heirloom/internal/app/bootstrap"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/db"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.InMemory() {
				return errors.New("POSTGRES_DSN is required")
			}
			pg, err := db.Connect(cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := bootstrap.Migrate(pg); err != nil {
				return err
			}
			slog.Default().Info("schema migrated",
				"event", "cli_migrate_completed",
				"module", "internal/cli",
				"layer", "platform",
			)
			return nil
		},
	}
}
