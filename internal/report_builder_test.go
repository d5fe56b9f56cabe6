package internal

import (
	"context"
	"testing"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vitalsV1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	vitalsV2 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func newMockReportBuilder(t *testing.T, cacheSize int) (*PostgresReportBuilder, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	cfg := occams.DefaultConfig().Report
	cfg.CacheSize = cacheSize
	return NewPostgresReportBuilder(mock, cfg, nil), mock
}

func choiceRows(choices ...*occams.Choice) *pgxmock.Rows {
	rows := emptyChoiceRows()
	for _, c := range choices {
		rows.AddRow(c.ID, c.AttributeID, c.Name, c.Title, c.Order)
	}
	return rows
}

// expectVitalsMetadata queues the version, attribute, choice and
// randomization lookups for the two versions of reportFixture.
func expectVitalsMetadata(mock pgxmock.PgxPoolIface, randomized bool) {
	fixture := reportFixture()
	versionRows := pgxmock.NewRows(schemaRowColumns)
	for _, v := range fixture {
		versionRows.AddRow(v.schema.ID, v.schema.Name, v.schema.Title, "", "eav", v.schema.PublishDate, (*time.Time)(nil))
	}
	mock.ExpectQuery(`FROM schema\s+WHERE lower\(name\) = lower\(\$1\) AND publish_date = ANY\(\$2::date\[\]\)`).
		WithArgs("vitals", []time.Time{vitalsV2, vitalsV1}).
		WillReturnRows(versionRows)
	for _, v := range fixture {
		var choices []*occams.Choice
		for _, a := range v.attributes {
			a.SchemaID = v.schema.ID
			choices = append(choices, a.Choices...)
		}
		mock.ExpectQuery(`FROM attribute WHERE schema_id = \$1`).
			WithArgs(v.schema.ID).
			WillReturnRows(attributeRows(v.attributes...))
		mock.ExpectQuery(`FROM choice c JOIN attribute a`).
			WithArgs(v.schema.ID).
			WillReturnRows(choiceRows(choices...))
	}
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM study WHERE lower\(randomization_schema\)`).
		WithArgs("vitals").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(randomized))
}

func vitalsReportColumns() []string {
	names := make([]string, 0, len(systemColumns)+4)
	for _, c := range systemColumns {
		names = append(names, c.name)
	}
	return append(names, "weight", "symptoms", "notes", "smoker")
}

func vitalsReportRows() *pgxmock.Rows {
	collected := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC)
	return pgxmock.NewRows(vitalsReportColumns()).
		AddRow(int64(1), "P001", "ucsd", int64(7), []string{"7"}, nil, nil, nil,
			collected, false, "complete", created, nil, created, nil,
			"72.50", []string{"1", "2"}, "fine", "1").
		AddRow(int64(2), nil, nil, nil, nil, nil, nil, nil,
			nil, false, "pending-entry", created, nil, created, nil,
			nil, nil, nil, nil)
}

func vitalsRequest() occams.ReportRequest {
	return occams.ReportRequest{SchemaName: "vitals", Versions: []time.Time{vitalsV2, vitalsV1}}
}

func TestBuildReportCanonicalRows(t *testing.T) {
	builder, mock := newMockReportBuilder(t, 8)
	expectVitalsMetadata(mock, false)
	mock.ExpectQuery(`FROM entity e`).WillReturnRows(vitalsReportRows())

	rs, err := builder.BuildReport(context.Background(), vitalsRequest())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, vitalsReportColumns(), rs.ColumnNames())
	require.Len(t, rs.Rows, 2)

	assert.Equal(t, int64(1), rs.Get(0, "id"))
	assert.Equal(t, "P001", rs.Get(0, "pid"))
	assert.Equal(t, "7", rs.Get(0, "enrollment_ids"))
	weight, ok := rs.Get(0, "weight").(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("72.5").Equal(weight))
	assert.Equal(t, "1;2", rs.Get(0, "symptoms"))
	assert.Equal(t, "1", rs.Get(0, "smoker"))
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), rs.Get(0, "collect_date"))

	for _, name := range []string{"pid", "weight", "symptoms", "notes", "smoker", "visit_cycles"} {
		assert.Nil(t, rs.Get(1, name), name)
	}
	assert.Equal(t, "pending-entry", rs.Get(1, "state"))
}

func TestBuildReportLabelsAndExpansion(t *testing.T) {
	builder, mock := newMockReportBuilder(t, 8)
	expectVitalsMetadata(mock, false)
	mock.ExpectQuery(`FROM entity e`).WillReturnRows(vitalsReportRows())

	req := vitalsRequest()
	req.UseChoiceLabels = true
	req.ExpandCollections = true
	rs, err := builder.BuildReport(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, -1, rs.ColumnIndex("symptoms"))
	assert.Equal(t, true, rs.Get(0, "symptoms_1"))
	assert.Equal(t, true, rs.Get(0, "symptoms_2"))
	assert.Nil(t, rs.Get(1, "symptoms_1"))
	assert.Equal(t, "Yes", rs.Get(0, "smoker"))

	expectVitalsMetadata(mock, false)
	codebook, err := builder.Codebook(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	fields := make([]string, len(codebook))
	for i, entry := range codebook {
		fields[i] = entry.Field
	}
	assert.Equal(t, rs.ColumnNames(), fields)
}

func TestBuildReportReusesCompiledQuery(t *testing.T) {
	builder, mock := newMockReportBuilder(t, 8)
	for i := 0; i < 2; i++ {
		expectVitalsMetadata(mock, true)
		mock.ExpectQuery(`JOIN stratum st`).WillReturnRows(pgxmock.NewRows(append(vitalsReportColumns()[:len(systemColumns)],
			"block_number", "randid", "arm_name", "weight", "symptoms", "notes", "smoker")))
	}

	for i := 0; i < 2; i++ {
		rs, err := builder.BuildReport(context.Background(), vitalsRequest())
		require.NoError(t, err)
		assert.Empty(t, rs.Rows)
		assert.GreaterOrEqual(t, rs.ColumnIndex("randid"), 0)
	}
	assert.Equal(t, 1, builder.cache.len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReportWithoutVersions(t *testing.T) {
	builder, mock := newMockReportBuilder(t, 8)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM study`).
		WithArgs("vitals").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	rs, err := builder.BuildReport(context.Background(), occams.ReportRequest{SchemaName: "vitals"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Len(t, rs.Columns, len(systemColumns))
	assert.NotNil(t, rs.Rows)
	assert.Empty(t, rs.Rows)
}

func TestBuildReportRequiresSchemaName(t *testing.T) {
	builder, _ := newMockReportBuilder(t, 8)
	_, err := builder.BuildReport(context.Background(), occams.ReportRequest{})
	require.Error(t, err)
	assert.True(t, occams.IsValidationError(err))
	assert.Equal(t, "schema_name", occams.ErrorField(err))
}

func TestCodebookEntries(t *testing.T) {
	builder, mock := newMockReportBuilder(t, 0)
	expectVitalsMetadata(mock, false)

	codebook, err := builder.Codebook(context.Background(), vitalsRequest())
	require.NoError(t, err)
	require.Len(t, codebook, len(systemColumns)+4)

	byField := make(map[string]occams.CodebookEntry)
	for _, entry := range codebook {
		byField[entry.Field] = entry
	}
	symptoms := byField["symptoms"]
	assert.Equal(t, "vitals", symptoms.Table)
	assert.Equal(t, "Vitals v2", symptoms.Form)
	assert.True(t, symptoms.IsCollection)
	assert.Equal(t, occams.ColumnChoice, symptoms.Type)
	require.NotNil(t, symptoms.PublishDate)
	assert.Equal(t, vitalsV2, *symptoms.PublishDate)
	assert.Equal(t, []occams.ChoiceSpec{{Name: "1", Title: "Cough"}, {Name: "2", Title: "Fever"}}, symptoms.Choices)

	smoker := byField["smoker"]
	require.NotNil(t, smoker.PublishDate)
	assert.Equal(t, vitalsV1, *smoker.PublishDate)

	id := byField["id"]
	assert.Nil(t, id.PublishDate)
	assert.Equal(t, 0, id.Order)
	assert.Equal(t, len(systemColumns)+3, byField["smoker"].Order)
}
