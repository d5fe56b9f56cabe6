package occams

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeCondition_UnmarshalToSqlClauses(t *testing.T) {
	jsonFilter := `
{
    "l": "and",
    "c": [
        {
            "a": "age",
            "v": "gt:10"
        },
        {
            "l": "or",
            "c": [
                {
                    "a": "site",
                    "v": "ucsd"
                },
                {
                    "a": "pid",
                    "v": "starts_with:A"
                }
            ]
        }
    ]
}
`

	var root CompositeCondition
	require.NoError(t, json.Unmarshal([]byte(jsonFilter), &root))
	require.Equal(t, LogicAnd, root.Logic)

	columns := map[string]ColumnType{
		"age":  ColumnNumber,
		"site": ColumnString,
		"pid":  ColumnString,
	}

	var paramCounter int
	sqlClause, args, err := root.ToSqlClauses(columns, &paramCounter)
	require.NoError(t, err)

	assert.Equal(t, `("age" > $1::text::numeric AND ("site" = $2::text OR "pid" LIKE $3::text ESCAPE '\'))`, sqlClause)
	assert.Equal(t, []any{"10", "ucsd", "A%"}, args)
	assert.Equal(t, 3, paramCounter)
}

func TestKvCondition_ToSqlClauses(t *testing.T) {
	columns := map[string]ColumnType{
		"dob":       ColumnDate,
		"seen_at":   ColumnDateTime,
		"is_smoker": ColumnBoolean,
		"gender":    ColumnChoice,
		"weight":    ColumnNumber,
		"pid":       ColumnString,
	}

	tests := []struct {
		name     string
		cond     *KvCondition
		wantSQL  string
		wantArgs []any
		wantErr  bool
	}{
		{"date equality", &KvCondition{Attr: "dob", Value: "2001-02-03"}, `"dob" = $1::text::date`, []any{"2001-02-03"}, false},
		{"datetime", &KvCondition{Attr: "seen_at", Value: "gte:2020-01-01T10:00:00Z"}, `"seen_at" >= $1::text::timestamptz`, []any{"2020-01-01T10:00:00Z"}, false},
		{"boolean", &KvCondition{Attr: "is_smoker", Value: "true"}, `"is_smoker" = $1::text::boolean`, []any{"true"}, false},
		{"choice code", Equals("gender", "1"), `"gender" = $1::text`, []any{"1"}, false},
		{"number normalizes", Equals("weight", "070.50"), `"weight" = $1::text::numeric`, []any{"70.5"}, false},
		{"is null", &KvCondition{Attr: "weight", Value: "is_null:true"}, `"weight" IS NULL`, nil, false},
		{"is not null", &KvCondition{Attr: "weight", Value: "is_null:false"}, `"weight" IS NOT NULL`, nil, false},
		{"unknown column", Equals("nope", "1"), "", nil, true},
		{"bad number", Equals("weight", "heavy"), "", nil, true},
		{"bad date", Equals("dob", "03/02/2001"), "", nil, true},
		{"starts with escapes wildcards", &KvCondition{Attr: "pid", Value: `starts_with:A_1%`}, `"pid" LIKE $1::text ESCAPE '\'`, []any{`A\_1\%%`}, false},
		{"contains escapes backslash", &KvCondition{Attr: "pid", Value: `contains:a\b`}, `"pid" LIKE $1::text ESCAPE '\'`, []any{`%a\\b%`}, false},
		{"like on number", &KvCondition{Attr: "weight", Value: "contains:7"}, "", nil, true},
		{"ordering on boolean", &KvCondition{Attr: "is_smoker", Value: "gt:true"}, "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var idx int
			sql, args, err := tt.cond.ToSqlClauses(columns, &idx)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestKvCondition_ColonInPlainValue(t *testing.T) {
	var idx int
	sql, args, err := (&KvCondition{Attr: "note", Value: "10:30"}).ToSqlClauses(map[string]ColumnType{"note": ColumnString}, &idx)
	require.NoError(t, err)
	assert.Equal(t, `"note" = $1::text`, sql)
	assert.Equal(t, []any{"10:30"}, args)
}

func TestCompositeCondition_EmptyIsIgnored(t *testing.T) {
	root := &CompositeCondition{Logic: LogicAnd, Conditions: []Condition{
		&CompositeCondition{Logic: LogicOr},
		Equals("a", "x"),
	}}
	var idx int
	sql, args, err := root.ToSqlClauses(map[string]ColumnType{"a": ColumnString}, &idx)
	require.NoError(t, err)
	assert.Equal(t, `("a" = $1::text)`, sql)
	assert.Len(t, args, 1)
}

func TestCompositeCondition_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		errSubstr string
	}{
		{"missing logic", `{"c": []}`, "missing logic"},
		{"unknown logic", `{"l": "xor", "c": []}`, "unknown logic"},
		{"kv missing value", `{"l": "and", "c": [{"a": "x"}]}`, "missing value"},
		{"neither kind", `{"l": "and", "c": [{"z": 1}]}`, "invalid condition payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c CompositeCondition
			err := json.Unmarshal([]byte(tt.json), &c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
