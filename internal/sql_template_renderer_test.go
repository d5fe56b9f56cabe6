package internal

import (
	"testing"
	"text/template"

	"github.com/lychee-technology/occams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLRendererParamsAndConditions(t *testing.T) {
	tpl := template.Must(template.New("q").Funcs(templateStubs("where")).Parse(
		`SELECT {{ ident .Column }} FROM {{ ident .Table }} WHERE id > {{ param .MinID }} AND {{ where }}`))

	r := NewSQLRenderer()
	extra := template.FuncMap{
		"where": func() (string, error) {
			return r.Condition(occams.Equals("age", "40"), map[string]occams.ColumnType{"age": occams.ColumnNumber})
		},
	}
	sql, args, err := r.Render(tpl, map[string]any{"Column": "age", "Table": "vitals", "MinID": int64(3)}, extra)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "age" FROM "vitals" WHERE id > $1 AND "age" = $2::text::numeric`, sql)
	assert.Equal(t, []any{int64(3), "40"}, args)
}

func TestSQLRendererRejectsBadIdentifier(t *testing.T) {
	tpl := template.Must(template.New("q").Funcs(templateStubs()).Parse(`SELECT 1 FROM {{ ident . }}`))

	_, _, err := NewSQLRenderer().Render(tpl, `vitals"; DROP TABLE entity; --`, nil)
	assert.Error(t, err)
}

func TestSQLRendererCast(t *testing.T) {
	tpl := template.Must(template.New("q").Funcs(templateStubs()).Parse(`{{ cast "v.value" "datetime" }}`))

	sql, args, err := NewSQLRenderer().Render(tpl, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "(v.value)::timestamptz", sql)
	assert.Empty(t, args)
	assert.Equal(t, "(v.value)::text", NewSQLRenderer().Cast("v.value", "string"))
}

func TestPgType(t *testing.T) {
	assert.Equal(t, "numeric", pgType("number"))
	assert.Equal(t, "bigint", pgType("int"))
	assert.Equal(t, "date", pgType("date"))
	assert.Equal(t, "timestamptz", pgType("timestamp"))
	assert.Equal(t, "boolean", pgType("bool"))
	assert.Equal(t, "text[]", pgType("list"))
	assert.Equal(t, "text", pgType("string"))
}
