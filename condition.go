package occams

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is a node of a report row filter. Filters are compiled against
// the typed columns of a report, never against raw value tables.
type Condition interface {
	IsLeaf() bool

	// ToSqlClauses renders the node as a boolean SQL expression over the
	// report's columns. paramIndex is the last $n already used.
	ToSqlClauses(columns map[string]ColumnType, paramIndex *int) (sqlClause string, args []any, err error)
}

// CompositeCondition joins child conditions with and/or.
type CompositeCondition struct {
	Logic      Logic       `json:"l"`
	Conditions []Condition `json:"c"`
}

func (c *CompositeCondition) IsLeaf() bool { return false }

// UnmarshalJSON decodes nested conditions into their concrete types.
func (c *CompositeCondition) UnmarshalJSON(data []byte) error {
	type compositeAlias struct {
		Logic      *Logic            `json:"l"`
		Conditions []json.RawMessage `json:"c"`
	}

	var alias compositeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	if alias.Logic == nil {
		return fmt.Errorf("composite condition missing logic")
	}

	switch *alias.Logic {
	case LogicAnd, LogicOr:
		c.Logic = *alias.Logic
	default:
		return fmt.Errorf("unknown logic: %s", *alias.Logic)
	}

	if len(alias.Conditions) == 0 {
		c.Conditions = nil
		return nil
	}

	conditions := make([]Condition, 0, len(alias.Conditions))
	for _, raw := range alias.Conditions {
		child, err := unmarshalCondition(raw)
		if err != nil {
			return err
		}
		conditions = append(conditions, child)
	}
	c.Conditions = conditions
	return nil
}

// ToSqlClauses joins the children. An empty composite renders as "" and is
// ignored by its parent.
func (c *CompositeCondition) ToSqlClauses(columns map[string]ColumnType, paramIndex *int) (string, []any, error) {
	if len(c.Conditions) == 0 {
		return "", nil, nil
	}

	var joiner string
	switch c.Logic {
	case LogicAnd:
		joiner = " AND "
	case LogicOr:
		joiner = " OR "
	default:
		return "", nil, fmt.Errorf("unknown logic: %s", c.Logic)
	}

	var clauses []string
	var allArgs []any
	for _, cond := range c.Conditions {
		sql, args, err := cond.ToSqlClauses(columns, paramIndex)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		clauses = append(clauses, sql)
		allArgs = append(allArgs, args...)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(clauses, joiner) + ")", allArgs, nil
}

// KvCondition compares one column with a value. Value is either a bare
// value (equality) or "op:value" with op one of equals, not_equals, gt,
// gte, lt, lte, starts_with, contains. "is_null:true|false" tests absence.
type KvCondition struct {
	Attr  string `json:"a"`
	Value string `json:"v"`
}

func (kv *KvCondition) IsLeaf() bool { return true }

// UnmarshalJSON ensures short-hand keys are present.
func (kv *KvCondition) UnmarshalJSON(data []byte) error {
	type kvAlias struct {
		Attr  string `json:"a"`
		Value string `json:"v"`
	}

	var alias kvAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if alias.Attr == "" {
		return fmt.Errorf("kv condition missing attr 'a'")
	}
	if alias.Value == "" {
		return fmt.Errorf("kv condition missing value 'v'")
	}
	kv.Attr = alias.Attr
	kv.Value = alias.Value
	return nil
}

// Equals builds an exact-match condition. Values containing ':' are
// protected by an explicit equals operator.
func Equals(attr, value string) *KvCondition {
	return &KvCondition{Attr: attr, Value: "equals:" + value}
}

func (kv *KvCondition) parseOp() (op, value string, err error) {
	parts := strings.SplitN(kv.Value, ":", 2)
	if len(parts) == 1 {
		return "equals", kv.Value, nil
	}
	switch parts[0] {
	case "equals", "not_equals", "gt", "gte", "lt", "lte", "starts_with", "contains", "is_null":
		return parts[0], parts[1], nil
	}
	// A colon inside a plain value, e.g. a time of day.
	return "equals", kv.Value, nil
}

// ToSqlClauses renders `"column" op $n` with the parameter parsed and cast
// according to the column type.
func (kv *KvCondition) ToSqlClauses(columns map[string]ColumnType, paramIndex *int) (string, []any, error) {
	colType, ok := columns[kv.Attr]
	if !ok {
		return "", nil, NewValidationError(kv.Attr, "unknown report column")
	}
	opStr, valStr, err := kv.parseOp()
	if err != nil {
		return "", nil, err
	}
	column := pgx.Identifier{kv.Attr}.Sanitize()

	if opStr == "is_null" {
		isNull, err := strconv.ParseBool(valStr)
		if err != nil {
			return "", nil, NewValidationError(kv.Attr, fmt.Sprintf("invalid is_null flag %q", valStr))
		}
		if isNull {
			return column + " IS NULL", nil, nil
		}
		return column + " IS NOT NULL", nil, nil
	}

	var sqlOp string
	switch opStr {
	case "equals":
		sqlOp = "="
	case "not_equals":
		sqlOp = "!="
	case "gt":
		sqlOp = ">"
	case "gte":
		sqlOp = ">="
	case "lt":
		sqlOp = "<"
	case "lte":
		sqlOp = "<="
	case "starts_with", "contains":
		sqlOp = "LIKE"
	}

	var parsed any
	var cast string
	switch colType {
	case ColumnNumber:
		d, err := decimal.NewFromString(valStr)
		if err != nil {
			return "", nil, NewValidationErrorCode(ErrCodeTypeMismatch, kv.Attr, fmt.Sprintf("%q is not a number", valStr))
		}
		parsed, cast = d.String(), "::numeric"
	case ColumnDate:
		t, err := time.Parse(DateLayout, valStr)
		if err != nil {
			return "", nil, NewValidationErrorCode(ErrCodeTypeMismatch, kv.Attr, fmt.Sprintf("%q is not a date", valStr))
		}
		parsed, cast = t.Format(DateLayout), "::date"
	case ColumnDateTime:
		t, err := time.Parse(time.RFC3339, valStr)
		if err != nil {
			return "", nil, NewValidationErrorCode(ErrCodeTypeMismatch, kv.Attr, fmt.Sprintf("%q is not an RFC 3339 datetime", valStr))
		}
		parsed, cast = t.UTC().Format(time.RFC3339), "::timestamptz"
	case ColumnBoolean:
		b, err := strconv.ParseBool(valStr)
		if err != nil {
			return "", nil, NewValidationErrorCode(ErrCodeTypeMismatch, kv.Attr, fmt.Sprintf("%q is not a boolean", valStr))
		}
		parsed, cast = strconv.FormatBool(b), "::boolean"
	default:
		parsed, cast = valStr, "::text"
	}

	if sqlOp == "LIKE" {
		if cast != "::text" {
			return "", nil, NewValidationError(kv.Attr, fmt.Sprintf("operator '%s' only supported for text columns", opStr))
		}
		if opStr == "starts_with" {
			parsed = likeEscaper.Replace(valStr) + "%"
		} else {
			parsed = "%" + likeEscaper.Replace(valStr) + "%"
		}
	}
	if colType == ColumnBoolean && sqlOp != "=" && sqlOp != "!=" {
		return "", nil, NewValidationError(kv.Attr, fmt.Sprintf("operator '%s' not supported for boolean columns", opStr))
	}

	*paramIndex++
	// Parameters travel as text and are cast server side.
	placeholder := fmt.Sprintf("$%d::text", *paramIndex)
	if cast != "::text" {
		placeholder += cast
	}
	if sqlOp == "LIKE" {
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, column, placeholder), []any{parsed}, nil
	}
	return fmt.Sprintf("%s %s %s", column, sqlOp, placeholder), []any{parsed}, nil
}

// likeEscaper quotes LIKE wildcards so pattern operators match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// unmarshalCondition picks composite or kv based on the payload keys.
func unmarshalCondition(data []byte) (Condition, error) {
	var discriminator struct {
		Logic *Logic  `json:"l"`
		Attr  *string `json:"a"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return nil, err
	}

	if discriminator.Logic != nil {
		var composite CompositeCondition
		if err := json.Unmarshal(data, &composite); err != nil {
			return nil, err
		}
		return &composite, nil
	}
	if discriminator.Attr != nil {
		var kv KvCondition
		if err := json.Unmarshal(data, &kv); err != nil {
			return nil, err
		}
		return &kv, nil
	}
	return nil, fmt.Errorf("invalid condition payload: expected 'l' or 'a'")
}
