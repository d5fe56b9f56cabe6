package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/occams"
	"github.com/lychee-technology/occams/factory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "occams-tools",
	Short:         "Administer the occams form and randomization database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to set up logger: %w", err)
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.Int("db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.String("db-name", getenvDefault("DB_NAME", "occams"), "database name")
	flags.String("db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.String("db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.String("db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
	flags.String("log-level", getenvDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.String("log-format", getenvDefault("LOG_FORMAT", "console"), "log format (json or console)")

	rootCmd.AddCommand(initDBCmd, importSchemaCmd, exportCmd, loadStrataCmd)
}

// loadConfig starts from the defaults and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*occams.Config, error) {
	cfg := occams.DefaultConfig()
	flags := cmd.Flags()
	var err error
	get := func(name string) string {
		if err != nil {
			return ""
		}
		var v string
		v, err = flags.GetString(name)
		return v
	}
	cfg.Database.Host = get("db-host")
	cfg.Database.Database = get("db-name")
	cfg.Database.Username = get("db-user")
	cfg.Database.Password = get("db-password")
	cfg.Database.SSLMode = get("db-ssl-mode")
	cfg.Logging.Level = get("log-level")
	cfg.Logging.Format = get("log-format")
	if err != nil {
		return nil, err
	}
	if cfg.Database.Port, err = flags.GetInt("db-port"); err != nil {
		return nil, err
	}
	// The CLI is short lived and exposes no metrics endpoint.
	cfg.Metrics.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *occams.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
	}
	return pool, nil
}

// withComponents opens the pool, wires the core and runs fn.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *factory.Components) error) error {
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

	c, err := factory.NewComponentsWithConfig(cfg, pool, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		zap.S().Errorw("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		zap.S().Sync()
		os.Exit(1)
	}
	zap.S().Sync()
}
