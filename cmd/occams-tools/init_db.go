package main

import (
	"github.com/lychee-technology/occams/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the occams tables and indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := internal.InitSchema(ctx, pool); err != nil {
			return err
		}
		zap.S().Infow("database initialized", "database", cfg.Database.Database)
		return nil
	},
}
