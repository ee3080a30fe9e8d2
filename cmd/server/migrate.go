package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/store"
)

func migrateCMD() *cobra.Command {
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres not configured (postgres.dsn)")
			}
			db, err := store.Open(cfg.Postgres.DSN, 1)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(db, direction, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")

	return migrate
}
