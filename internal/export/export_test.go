package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var published = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeReports struct {
	mu       sync.Mutex
	requests []occams.ReportRequest
	fail     string
}

func (f *fakeReports) BuildReport(_ context.Context, req occams.ReportRequest) (*occams.RowSet, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if req.SchemaName == f.fail {
		return nil, occams.NewInternalError("boom", nil)
	}
	return &occams.RowSet{
		Columns: []occams.Column{{Name: "id", Type: occams.ColumnNumber}, {Name: "weight", Type: occams.ColumnNumber}},
		Rows:    [][]any{{int64(1), decimal.RequireFromString("72.5")}, {int64(2), nil}},
	}, nil
}

func (f *fakeReports) Codebook(_ context.Context, req occams.ReportRequest) ([]occams.CodebookEntry, error) {
	return []occams.CodebookEntry{
		{Field: "id", Table: occams.NormalizeName(req.SchemaName), Type: occams.ColumnNumber, Order: 0},
		{Field: "weight", Table: occams.NormalizeName(req.SchemaName), Type: occams.ColumnNumber, PublishDate: &published, Order: 1},
	}, nil
}

type fakeVersions struct{}

func (fakeVersions) ListVersions(_ context.Context, name string) ([]*occams.Schema, error) {
	return []*occams.Schema{{ID: 1, Name: name, PublishDate: &published}}, nil
}

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, _ string, key string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportWritesReportsAndCodebook(t *testing.T) {
	dir := t.TempDir()
	reports := &fakeReports{}
	uploader := &recordingUploader{}
	exporter := NewExporter(reports, fakeVersions{}, uploader, Options{Dir: dir, UseChoiceLabels: true, Concurrency: 2})

	files, err := exporter.Export(context.Background(), []string{"Vitals", "demographics"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "vitals.csv"),
		filepath.Join(dir, "demographics.csv"),
		filepath.Join(dir, CodebookFile),
	}, files)

	assert.Equal(t, [][]string{{"id", "weight"}, {"1", "72.5"}, {"2", ""}}, readCSV(t, files[0]))

	codebook := readCSV(t, files[2])
	assert.Equal(t, CodebookHeader, codebook[0])
	require.Len(t, codebook, 5)
	assert.Equal(t, "vitals", codebook[1][1])
	assert.Equal(t, "2024-06-01", codebook[2][3])
	assert.Equal(t, "demographics", codebook[3][1])

	for _, req := range reports.requests {
		assert.Equal(t, []time.Time{published}, req.Versions)
		assert.True(t, req.UseChoiceLabels)
	}

	sort.Strings(uploader.keys)
	assert.Equal(t, []string{CodebookFile, "demographics.csv", "vitals.csv"}, uploader.keys)
}

func TestExportFailsOnReportError(t *testing.T) {
	exporter := NewExporter(&fakeReports{fail: "broken"}, fakeVersions{}, nil, Options{Dir: t.TempDir()})

	_, err := exporter.Export(context.Background(), []string{"vitals", "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export broken")
}

func TestExportRequiresNames(t *testing.T) {
	exporter := NewExporter(&fakeReports{}, fakeVersions{}, nil, Options{Dir: t.TempDir()})

	_, err := exporter.Export(context.Background(), nil)
	assert.True(t, occams.IsValidationError(err))
}

func TestWriteCodebookChoices(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCodebook(&buf, []occams.CodebookEntry{{
		Field: "smoker", Table: "vitals", Form: "Vitals", Title: "Smoker?", IsRequired: true,
		Type: occams.ColumnChoice, Order: 3,
		Choices: []occams.ChoiceSpec{{Name: "0", Title: "No"}, {Name: "1", Title: "Yes"}},
	}})
	require.NoError(t, err)
	assert.Equal(t,
		"field,table,form,publish_date,title,description,is_required,is_collection,is_private,type,choices,order\n"+
			"smoker,vitals,Vitals,,Smoker?,,true,false,false,choice,0=No;1=Yes,3\n",
		buf.String())
}

func TestFormatCell(t *testing.T) {
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	stamp := time.Date(2024, 6, 3, 9, 15, 0, 0, time.FixedZone("PDT", -7*3600))

	assert.Equal(t, "", FormatCell(occams.ColumnString, nil))
	assert.Equal(t, "42", FormatCell(occams.ColumnNumber, int64(42)))
	assert.Equal(t, "0.1", FormatCell(occams.ColumnNumber, decimal.RequireFromString("0.10")))
	assert.Equal(t, "true", FormatCell(occams.ColumnBoolean, true))
	assert.Equal(t, "2024-06-03", FormatCell(occams.ColumnDate, day))
	assert.Equal(t, "2024-06-03T16:15:00Z", FormatCell(occams.ColumnDateTime, stamp))
	assert.Equal(t, "a;b", FormatCell(occams.ColumnString, []string{"a", "b"}))
}
