package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/shopspring/decimal"
)

// reportFrame is a row set still carrying its column metadata. Collection
// cells hold []string until the join stage runs.
type reportFrame struct {
	columns []*reportColumn
	rows    [][]any
}

// reportStage reshapes a frame after the query has run.
type reportStage func(f *reportFrame)

// reportStages returns the stages a request asks for. Expansion runs before
// labels so expanded columns are keyed by choice code; the join stage
// always runs last.
func reportStages(req occams.ReportRequest, delimiter string) []reportStage {
	var stages []reportStage
	if req.ExpandCollections {
		stages = append(stages, expandStage)
	}
	if req.UseChoiceLabels {
		stages = append(stages, labelStage)
	}
	return append(stages, joinStage(delimiter))
}

func (f *reportFrame) apply(stages []reportStage) {
	for _, stage := range stages {
		stage(f)
	}
}

func (f *reportFrame) rowSet() *occams.RowSet {
	rs := &occams.RowSet{
		Columns: make([]occams.Column, len(f.columns)),
		Rows:    f.rows,
	}
	for i, c := range f.columns {
		rs.Columns[i] = c.Column
	}
	if rs.Rows == nil {
		rs.Rows = [][]any{}
	}
	return rs
}

// expandable reports whether a column turns into one boolean column per
// choice when collections are expanded.
func (c *reportColumn) expandable() bool {
	return c.isCollection() && c.attribute != nil && c.attribute.Type == occams.TypeChoice
}

// expandColumns replaces every choice collection column with one boolean
// column per choice, named <column>_<code>.
func expandColumns(cols []*reportColumn) []*reportColumn {
	out := make([]*reportColumn, 0, len(cols))
	for _, c := range cols {
		if !c.expandable() {
			out = append(out, c)
			continue
		}
		for _, ch := range c.choices {
			out = append(out, &reportColumn{
				Column:       occams.Column{Name: c.Name + "_" + ch.Name, Type: occams.ColumnBoolean},
				kind:         kindBool,
				title:        c.title + ": " + ch.Title,
				version:      c.version,
				expandedFrom: c,
				choice:       ch,
			})
		}
	}
	return out
}

func expandStage(f *reportFrame) {
	expanded := expandColumns(f.columns)
	source := make(map[*reportColumn]int, len(f.columns))
	for i, c := range f.columns {
		source[c] = i
	}
	for r, row := range f.rows {
		next := make([]any, len(expanded))
		for i, c := range expanded {
			if c.expandedFrom == nil {
				next[i] = row[source[c]]
				continue
			}
			items, ok := row[source[c.expandedFrom]].([]string)
			if !ok {
				continue
			}
			next[i] = containsString(items, c.choice.Name)
		}
		f.rows[r] = next
	}
	f.columns = expanded
}

// labelStage substitutes choice titles for codes. Codes no longer defined
// are left as they are.
func labelStage(f *reportFrame) {
	for i, c := range f.columns {
		if c.attribute == nil || c.attribute.Type != occams.TypeChoice {
			continue
		}
		for _, row := range f.rows {
			switch v := row[i].(type) {
			case string:
				row[i] = c.label(v)
			case []string:
				labels := make([]string, len(v))
				for j, code := range v {
					labels[j] = c.label(code)
				}
				row[i] = labels
			}
		}
	}
}

func (c *reportColumn) label(code string) string {
	if ch := c.choiceByName(code); ch != nil {
		return ch.Title
	}
	return code
}

// joinStage renders remaining collections as delimited text.
func joinStage(delimiter string) reportStage {
	return func(f *reportFrame) {
		for _, row := range f.rows {
			for i, v := range row {
				if items, ok := v.([]string); ok {
					row[i] = strings.Join(items, delimiter)
				}
			}
		}
	}
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

// normalizeCell converts a value as pgx decodes it into the canonical Go
// value of its column kind.
func normalizeCell(kind columnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int:
			return int64(n), nil
		}
	case kindNumeric:
		switch n := v.(type) {
		case string:
			d, err := decimal.NewFromString(n)
			if err != nil {
				return nil, fmt.Errorf("parse numeric %q: %w", n, err)
			}
			return d, nil
		case decimal.Decimal:
			return n, nil
		}
	case kindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindDate:
		if t, ok := v.(time.Time); ok {
			return dateOnly(t), nil
		}
	case kindTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindList:
		switch items := v.(type) {
		case []string:
			return items, nil
		case []any:
			out := make([]string, 0, len(items))
			for _, item := range items {
				if item != nil {
					out = append(out, fmt.Sprint(item))
				}
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for report column", v)
}
