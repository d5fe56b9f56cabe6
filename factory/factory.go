package factory

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/occams"
	"github.com/lychee-technology/occams/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// requiredTables must exist before the components are usable; init-db
// creates them.
var requiredTables = []string{
	"schema", "attribute", "choice", "entity", "context",
	"study", "arm", "enrollment", "patient", "stratum",
}

// Components is the wired set of core services.
type Components struct {
	Schemas    occams.SchemaRegistry
	Values     occams.ValueStore
	Contexts   occams.ContextLinker
	Reports    occams.ReportBuilder
	Randomizer occams.Randomizer

	sessions *internal.BuntSessionStore
}

// Close releases the session store. The pool stays owned by the caller.
func (c *Components) Close() error {
	if c.sessions == nil {
		return nil
	}
	return c.sessions.Close()
}

type queryPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tableCollector is replaced in tests.
var tableCollector = collectTablesFromPool

func collectTablesFromPool(pool queryPool) ([]string, error) {
	rows, err := pool.Query(context.Background(), `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tables, nil
}

// NewComponentsWithConfig wires every component over pool.
//
// Metrics register with reg when config.Metrics.Enabled; a nil reg uses
// the default Prometheus registerer.
//
// Usage:
//
//	config := occams.DefaultConfig()
//	pool, _ := pgxpool.New(ctx, config.Database.DSN())
//	c, err := factory.NewComponentsWithConfig(config, pool, nil)
//	if err != nil {
//	    // handle error
//	}
//	defer c.Close()
func NewComponentsWithConfig(config *occams.Config, pool *pgxpool.Pool, reg prometheus.Registerer) (*Components, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tables, err := tableCollector(pool)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, t := range requiredTables {
		if !slices.Contains(tables, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required tables are missing in the database: %v (run init-db)", missing)
	}

	var telemetry *internal.Telemetry
	if config.Metrics.Enabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		telemetry = internal.NewTelemetry(reg, config.Metrics.Namespace)
	}

	sessions, err := internal.NewBuntSessionStore(config.Randomization.SessionStorePath, config.Randomization.SessionTTL)
	if err != nil {
		return nil, err
	}

	c := &Components{
		Schemas:  internal.NewPostgresSchemaRegistry(pool, telemetry),
		Values:   internal.NewPostgresValueStore(pool),
		Contexts: internal.NewPostgresContextLinker(pool),
		Reports:  internal.NewPostgresReportBuilder(pool, config.Report, telemetry),
		Randomizer: internal.NewRandomizationService(
			internal.NewPostgresRandomizationStore(pool, config), sessions, telemetry),
		sessions: sessions,
	}
	zap.S().Infow("occams components ready", "tables", len(tables), "metrics", config.Metrics.Enabled,
		"sessionStore", config.Randomization.SessionStorePath)
	return c, nil
}
