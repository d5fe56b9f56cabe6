package internal

import (
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
)

// columnKind is how a report column travels from Postgres to the RowSet.
type columnKind int

const (
	kindInt columnKind = iota
	kindNumeric
	kindText
	kindDate
	kindTimestamp
	kindBool
	kindList
)

// reportColumn is one column of the canonical row set. System columns carry
// a fixed SQL expression; attribute columns cover every same-named attribute
// id across the matched versions.
type reportColumn struct {
	occams.Column
	kind  columnKind
	title string
	expr  string

	attribute *occams.Attribute // newest definition
	version   *occams.Schema
	attrIDs   []int64
	choices   []*occams.Choice

	// set on boolean columns produced by collection expansion
	expandedFrom *reportColumn
	choice       *occams.Choice
}

func (c *reportColumn) isCollection() bool {
	return c.kind == kindList
}

// Numeric reports whether the column travels as numeric and is projected
// as text to keep its exact digits.
func (c *reportColumn) Numeric() bool {
	return c.kind == kindNumeric
}

// reportVersion is one matched schema version with its attributes in
// pre-order.
type reportVersion struct {
	schema     *occams.Schema
	attributes []*occams.Attribute
}

type systemColumn struct {
	name  string
	typ   occams.ColumnType
	kind  columnKind
	title string
	expr  string
}

var systemColumns = []systemColumn{
	{"id", occams.ColumnNumber, kindInt, "Entity ID", "e.id"},
	{"pid", occams.ColumnString, kindText, "Patient ID", "p.pid"},
	{"site", occams.ColumnString, kindText, "Site", "si.name"},
	{"enrollment", occams.ColumnNumber, kindInt, "Enrollment",
		`(SELECT min(c.key) FROM context c WHERE c.entity_id = e.id AND c.external = 'enrollment')`},
	{"enrollment_ids", occams.ColumnString, kindList, "Enrollments",
		`(SELECT array_agg(c.key::text ORDER BY c.key) FROM context c WHERE c.entity_id = e.id AND c.external = 'enrollment')`},
	{"visit_id", occams.ColumnNumber, kindInt, "Visit",
		`(SELECT min(c.key) FROM context c WHERE c.entity_id = e.id AND c.external = 'visit')`},
	{"visit_date", occams.ColumnDate, kindDate, "Visit Date",
		`(SELECT v.visit_date FROM context c JOIN visit v ON v.id = c.key WHERE c.entity_id = e.id AND c.external = 'visit' ORDER BY c.key LIMIT 1)`},
	{"visit_cycles", occams.ColumnString, kindList, "Visit Cycles",
		`(SELECT array_agg(cy.name ORDER BY cy.id) FROM context c JOIN visit_cycle vc ON vc.visit_id = c.key JOIN cycle cy ON cy.id = vc.cycle_id WHERE c.entity_id = e.id AND c.external = 'visit')`},
	{"collect_date", occams.ColumnDate, kindDate, "Collect Date", "e.collect_date"},
	{"is_null", occams.ColumnBoolean, kindBool, "Is Null", "e.is_null"},
	{"state", occams.ColumnString, kindText, "State", "e.state"},
	{"create_date", occams.ColumnDateTime, kindTimestamp, "Create Date", "e.create_date"},
	{"create_user", occams.ColumnString, kindText, "Create User", "e.create_user"},
	{"modify_date", occams.ColumnDateTime, kindTimestamp, "Modify Date", "e.modify_date"},
	{"modify_user", occams.ColumnString, kindText, "Modify User", "e.modify_user"},
}

var randomizationColumns = []systemColumn{
	{"block_number", occams.ColumnNumber, kindInt, "Block Number", "strat.block_number"},
	{"randid", occams.ColumnString, kindText, "Randomization ID", "strat.randid"},
	{"arm_name", occams.ColumnString, kindText, "Arm", "strat.arm_name"},
}

var attributeColumnTypes = map[occams.AttributeType]occams.ColumnType{
	occams.TypeNumber:   occams.ColumnNumber,
	occams.TypeString:   occams.ColumnString,
	occams.TypeText:     occams.ColumnText,
	occams.TypeDate:     occams.ColumnDate,
	occams.TypeDateTime: occams.ColumnDateTime,
	occams.TypeChoice:   occams.ColumnChoice,
	occams.TypeBlob:     occams.ColumnBlob,
}

// loadReportVersions loads the published versions of name whose publish
// date is one of dates, newest first.
func loadReportVersions(ctx context.Context, q querier, name string, dates []time.Time) ([]*reportVersion, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	days := make([]time.Time, len(dates))
	for i, d := range dates {
		days[i] = dateOnly(d)
	}
	rows, err := q.Query(ctx, `SELECT `+schemaColumns+` FROM schema
		WHERE lower(name) = lower($1) AND publish_date = ANY($2::date[])
		ORDER BY publish_date DESC`, name, days)
	if err != nil {
		return nil, fmt.Errorf("query report versions: %w", err)
	}
	var versions []*reportVersion
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		versions = append(versions, &reportVersion{schema: s})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report versions: %w", err)
	}

	for _, v := range versions {
		if v.attributes, err = loadAttributes(ctx, q, v.schema.ID); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// publishedVersionDates lists the publish dates of every published version
// of name, newest first.
func publishedVersionDates(ctx context.Context, q querier, name string) ([]time.Time, error) {
	rows, err := q.Query(ctx, `SELECT publish_date FROM schema
		WHERE lower(name) = lower($1) AND publish_date IS NOT NULL
		ORDER BY publish_date DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("query published versions: %w", err)
	}
	defer rows.Close()
	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan publish date: %w", err)
		}
		dates = append(dates, dateOnly(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published versions: %w", err)
	}
	return dates, nil
}

// isRandomizationSchema reports whether some study randomizes on name.
func isRandomizationSchema(ctx context.Context, q querier, name string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM study WHERE lower(randomization_schema) = lower($1))`, name).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check randomization schema: %w", err)
	}
	return exists, nil
}

// buildLayout merges the versions (newest first) into one column list:
// system columns, then attributes in the newest version's order, then names
// only older versions carry. Same name means same column; an older
// attribute whose type disagrees with the newest one is left out.
func buildLayout(versions []*reportVersion, randomized bool) []*reportColumn {
	var cols []*reportColumn
	addSystem := func(defs []systemColumn) {
		for _, d := range defs {
			cols = append(cols, &reportColumn{
				Column: occams.Column{Name: d.name, Type: d.typ},
				kind:   d.kind,
				title:  d.title,
				expr:   d.expr,
			})
		}
	}
	addSystem(systemColumns)
	if randomized {
		addSystem(randomizationColumns)
	}

	byName := make(map[string]*reportColumn)
	for _, v := range versions {
		for _, a := range v.attributes {
			colType, ok := attributeColumnTypes[a.Type]
			if !ok {
				continue
			}
			key := occams.NormalizeName(a.Name)
			col, seen := byName[key]
			if !seen {
				col = &reportColumn{
					Column:    occams.Column{Name: key, Type: colType},
					kind:      attributeKind(a),
					title:     a.Title,
					attribute: a,
					version:   v.schema,
				}
				byName[key] = col
				cols = append(cols, col)
			} else if a.Type != col.attribute.Type || a.IsCollection != col.attribute.IsCollection {
				zap.S().Warnw("report column type differs across versions, leaving older attribute out",
					"column", key, "type", col.attribute.Type, "olderType", a.Type,
					"olderVersion", v.schema.PublishDate)
				continue
			}
			col.attrIDs = append(col.attrIDs, a.ID)
			col.mergeChoices(a.Choices)
		}
	}
	return cols
}

func attributeKind(a *occams.Attribute) columnKind {
	if a.IsCollection {
		return kindList
	}
	switch a.Type {
	case occams.TypeNumber:
		return kindNumeric
	case occams.TypeDate:
		return kindDate
	case occams.TypeDateTime:
		return kindTimestamp
	}
	return kindText
}

// mergeChoices adds choices whose code the column does not know yet, so a
// newer title wins over an older one.
func (c *reportColumn) mergeChoices(choices []*occams.Choice) {
	for _, ch := range choices {
		if c.choiceByName(ch.Name) == nil {
			c.choices = append(c.choices, ch)
		}
	}
}

func (c *reportColumn) choiceByName(name string) *occams.Choice {
	for _, ch := range c.choices {
		if ch.Name == name {
			return ch
		}
	}
	return nil
}

// valueExpr renders the correlated subquery reading an attribute column for
// entity e.
func (c *reportColumn) valueExpr(r *SQLRenderer) string {
	a := c.attribute
	from := valueTable(a.Type) + " v"
	item := "v.value"
	switch a.Type {
	case occams.TypeChoice:
		from += " JOIN choice ch ON ch.id = v.value"
		item = "ch.name"
	case occams.TypeBlob:
		item = "v.file_name"
	case occams.TypeDate:
		item = r.Cast("v.value AT TIME ZONE 'UTC'", "date")
	}
	where := "v.entity_id = e.id AND v.attribute_id = ANY(" + r.Param(c.attrIDs) + ")"
	if !a.IsCollection {
		return fmt.Sprintf("(SELECT %s FROM %s WHERE %s ORDER BY v.id LIMIT 1)", item, from, where)
	}
	switch a.Type {
	case occams.TypeNumber:
		item = r.Cast("v.value", "string")
	case occams.TypeDate:
		item = "to_char(v.value AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	case occams.TypeDateTime:
		item = `to_char(v.value AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')`
	}
	return fmt.Sprintf("(SELECT array_agg(%s ORDER BY v.id) FROM %s WHERE %s)", item, from, where)
}

// filterColumns lists the columns a filter may reference. Collections are
// not filterable.
func filterColumns(cols []*reportColumn) map[string]occams.ColumnType {
	out := make(map[string]occams.ColumnType, len(cols))
	for _, c := range cols {
		if !c.isCollection() {
			out[c.Name] = c.Type
		}
	}
	return out
}

var reportTemplate = template.Must(template.New("report").
	Funcs(templateStubs("project", "selectExpr", "filter")).Parse(`SELECT {{range $i, $c := .Columns}}{{if $i}}, {{end}}{{if $c.Numeric}}{{cast (project $c) "string"}}{{else}}{{project $c}}{{end}}{{end}}
FROM (
	SELECT {{range $i, $c := .Columns}}{{if $i}},
		{{end}}{{selectExpr $c}} AS {{ident $c.Name}}{{end}}
	FROM entity e
	LEFT JOIN LATERAL (
		SELECT COALESCE(
			min(c.key) FILTER (WHERE c.external = 'patient'),
			min(en.patient_id),
			min(vi.patient_id)) AS patient_id
		FROM context c
		LEFT JOIN enrollment en ON c.external = 'enrollment' AND en.id = c.key
		LEFT JOIN visit vi ON c.external = 'visit' AND vi.id = c.key
		WHERE c.entity_id = e.id
	) owner ON true
	LEFT JOIN patient p ON p.id = owner.patient_id
	LEFT JOIN site si ON si.id = p.site_id
{{- if .Randomized}}
	LEFT JOIN LATERAL (
		SELECT st.block_number, st.randid, arm.name AS arm_name
		FROM context c
		JOIN stratum st ON st.id = c.key
		JOIN arm ON arm.id = st.arm_id
		WHERE c.entity_id = e.id AND c.external = 'stratum'
		ORDER BY st.id
		LIMIT 1
	) strat ON true
{{- end}}
	WHERE e.schema_id = ANY({{param .SchemaIDs}})
) r
{{- with filter}}
WHERE {{.}}
{{- end}}
ORDER BY r."id"`))

type reportTemplateData struct {
	Columns    []*reportColumn
	SchemaIDs  []int64
	Randomized bool
}

// renderReportQuery renders the canonical query: one row per entity of the
// matched versions with every column as its typed value, collections as
// text arrays.
func renderReportQuery(cols []*reportColumn, versions []*reportVersion, randomized bool, filter *occams.CompositeCondition) (string, []any, error) {
	data := reportTemplateData{Columns: cols, Randomized: randomized}
	for _, v := range versions {
		data.SchemaIDs = append(data.SchemaIDs, v.schema.ID)
	}

	r := NewSQLRenderer()
	funcs := template.FuncMap{
		"selectExpr": func(c *reportColumn) string {
			if c.attribute == nil {
				return c.expr
			}
			return c.valueExpr(r)
		},
		"project": func(c *reportColumn) string {
			return "r." + r.Ident(c.Name)
		},
		"filter": func() (string, error) {
			if filter == nil {
				return "", nil
			}
			return r.Condition(filter, filterColumns(cols))
		},
	}
	return r.Render(reportTemplate, data, funcs)
}
