package internal

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/occams"
)

// SQLRenderer renders text/template SQL templates while collecting parameter
// values and providing a safe identifier helper to avoid SQL injection.
type SQLRenderer struct {
	args []any
}

func NewSQLRenderer() *SQLRenderer {
	return &SQLRenderer{
		args: make([]any, 0),
	}
}

// Param appends a value to the renderer's args and returns its "$n"
// placeholder.
func (r *SQLRenderer) Param(v any) string {
	r.args = append(r.args, v)
	return fmt.Sprintf("$%d", len(r.args))
}

// Condition renders a report filter against columns, numbering its
// parameters after the ones already collected.
func (r *SQLRenderer) Condition(cond occams.Condition, columns map[string]occams.ColumnType) (string, error) {
	idx := len(r.args)
	clause, args, err := cond.ToSqlClauses(columns, &idx)
	if err != nil {
		return "", err
	}
	r.args = append(r.args, args...)
	return clause, nil
}

var identRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Ident validates a SQL identifier (table/column) and returns it quoted.
// If the identifier is invalid, Ident panics (templates should not pass
// untrusted strings to Ident; callers can recover or validate before use).
func (r *SQLRenderer) Ident(name string) string {
	if !identRegex.MatchString(name) {
		panic(fmt.Sprintf("invalid SQL identifier: %q", name))
	}
	return pgx.Identifier{name}.Sanitize()
}

// Cast wraps expr in a Postgres cast to the type family typeName.
func (r *SQLRenderer) Cast(expr, typeName string) string {
	return fmt.Sprintf("(%s)::%s", expr, pgType(typeName))
}

// Render executes tpl with data while providing the template functions:
//   - param: adds a param and returns its "$n" placeholder
//   - ident: validates and returns a quoted identifier
//   - cast: wraps an expression in a Postgres cast
//
// extra adds caller functions that may themselves call Param. It returns
// the rendered SQL and the collected args slice.
func (r *SQLRenderer) Render(tpl *template.Template, data any, extra template.FuncMap) (string, []any, error) {
	// Clone template to avoid mutating shared FuncMap state.
	tplClone, err := tpl.Clone()
	if err != nil {
		return "", nil, fmt.Errorf("clone template: %w", err)
	}

	funcs := template.FuncMap{
		"param": func(v any) string { return r.Param(v) },
		"ident": func(s string) string { return r.Ident(s) },
		"cast":  func(expr, typeName string) string { return r.Cast(expr, typeName) },
	}
	for name, fn := range extra {
		funcs[name] = fn
	}
	tplClone = tplClone.Funcs(funcs)

	var buf bytes.Buffer
	if err := tplClone.Execute(&buf, data); err != nil {
		return "", nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), r.args, nil
}

// templateStubs declares function names a template uses so it parses before
// Render binds the real implementations.
func templateStubs(names ...string) template.FuncMap {
	funcs := template.FuncMap{
		"param": func(...any) string { return "" },
		"ident": func(...any) string { return "" },
		"cast":  func(...any) string { return "" },
	}
	for _, name := range names {
		funcs[name] = func(...any) string { return "" }
	}
	return funcs
}

// pgType maps value family names to Postgres types.
func pgType(n string) string {
	switch n {
	case "number", "numeric":
		return "numeric"
	case "int", "integer", "bigint":
		return "bigint"
	case "date":
		return "date"
	case "datetime", "timestamp":
		return "timestamptz"
	case "bool", "boolean":
		return "boolean"
	case "list":
		return "text[]"
	default:
		return "text"
	}
}
