package main

import (
	"github.com/spf13/cobra"

	"github.com/delverhq/delver/config"
	"github.com/delverhq/delver/internal/store"
)

func migrateCmd() *cobra.Command {
	var (
		cfgPath   string
		dir       string
		direction string
		steps     int
	)
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return store.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches . and ./config)")
	migrate.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
