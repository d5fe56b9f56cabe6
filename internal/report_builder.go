package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
)

// PostgresReportBuilder flattens the EAV tables of a schema's versions into
// one row per entity.
type PostgresReportBuilder struct {
	pool      dbPool
	config    occams.ReportConfig
	cache     *reportQueryCache
	telemetry *Telemetry
}

var _ occams.ReportBuilder = (*PostgresReportBuilder)(nil)

func NewPostgresReportBuilder(pool dbPool, config occams.ReportConfig, telemetry *Telemetry) *PostgresReportBuilder {
	if config.CollectionDelimiter == "" {
		config.CollectionDelimiter = occams.DefaultConfig().Report.CollectionDelimiter
	}
	return &PostgresReportBuilder{
		pool:      pool,
		config:    config,
		cache:     newReportQueryCache(config.CacheSize),
		telemetry: telemetry,
	}
}

func (b *PostgresReportBuilder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.config.QueryTimeout > 0 {
		return context.WithTimeout(ctx, b.config.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// compileReport loads the matched versions and returns their merged layout
// and query, reusing a cached compilation when the metadata is unchanged.
func compileReport(ctx context.Context, q querier, cache *reportQueryCache, req occams.ReportRequest) (*compiledReport, error) {
	versions, err := loadReportVersions(ctx, q, req.SchemaName, req.Versions)
	if err != nil {
		return nil, err
	}
	randomized, err := isRandomizationSchema(ctx, q, req.SchemaName)
	if err != nil {
		return nil, err
	}
	key, err := reportFingerprint(req.SchemaName, versions, randomized, req.Filter)
	if err != nil {
		return nil, err
	}
	if compiled, ok := cache.get(key); ok {
		return compiled, nil
	}

	compiled := &compiledReport{
		table:   occams.NormalizeName(req.SchemaName),
		columns: buildLayout(versions, randomized),
	}
	if len(versions) > 0 {
		compiled.form = versions[0].schema.Title
		compiled.sql, compiled.args, err = renderReportQuery(compiled.columns, versions, randomized, req.Filter)
		if err != nil {
			return nil, err
		}
	}
	cache.put(key, compiled)
	return compiled, nil
}

// BuildReport returns one row per entity of the requested versions. A name
// with no matching version yields the system columns and no rows.
func (b *PostgresReportBuilder) BuildReport(ctx context.Context, req occams.ReportRequest) (*occams.RowSet, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	compiled, err := compileReport(ctx, b.pool, b.cache, req)
	if err != nil {
		return nil, err
	}
	frame := &reportFrame{columns: compiled.columns}
	if compiled.sql != "" {
		zap.S().Debugw("report query", "schema", req.SchemaName, "sql", compiled.sql, "args", len(compiled.args))
		if frame.rows, err = b.queryRows(ctx, compiled); err != nil {
			return nil, err
		}
	}
	frame.apply(reportStages(req, b.config.CollectionDelimiter))
	rs := frame.rowSet()

	elapsed := time.Since(start)
	b.telemetry.ReportBuilt(compiled.table, elapsed, len(rs.Rows))
	zap.S().Debugw("report built", "schema", req.SchemaName, "versions", len(req.Versions),
		"columns", len(rs.Columns), "rows", len(rs.Rows), "elapsed", elapsed)
	return rs, nil
}

func (b *PostgresReportBuilder) queryRows(ctx context.Context, compiled *compiledReport) ([][]any, error) {
	rows, err := b.pool.Query(ctx, compiled.sql, compiled.args...)
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read report row: %w", err)
		}
		if len(values) != len(compiled.columns) {
			return nil, occams.NewInternalError(
				fmt.Sprintf("report row has %d values for %d columns", len(values), len(compiled.columns)), nil)
		}
		row := make([]any, len(values))
		for i, c := range compiled.columns {
			if row[i], err = normalizeCell(c.kind, values[i]); err != nil {
				return nil, occams.NewInternalError("decode report column "+c.Name, err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}
	return out, nil
}
