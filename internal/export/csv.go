package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/shopspring/decimal"
)

// CodebookHeader is the fixed header of codebook.csv.
var CodebookHeader = []string{
	"field", "table", "form", "publish_date", "title", "description",
	"is_required", "is_collection", "is_private", "type", "choices", "order",
}

// WriteReport writes rs as CSV with the column names as header.
func WriteReport(w io.Writer, rs *occams.RowSet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rs.ColumnNames()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(rs.Columns))
	for i, row := range rs.Rows {
		for j, c := range rs.Columns {
			record[j] = FormatCell(c.Type, row[j])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCodebook writes one row per entry under CodebookHeader.
func WriteCodebook(w io.Writer, entries []occams.CodebookEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CodebookHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		publish := ""
		if e.PublishDate != nil {
			publish = e.PublishDate.Format(occams.DateLayout)
		}
		choices := make([]string, len(e.Choices))
		for i, c := range e.Choices {
			choices[i] = c.Name + "=" + c.Title
		}
		err := cw.Write([]string{
			e.Field, e.Table, e.Form, publish, e.Title, e.Description,
			strconv.FormatBool(e.IsRequired), strconv.FormatBool(e.IsCollection), strconv.FormatBool(e.IsPrivate),
			string(e.Type), strings.Join(choices, ";"), strconv.Itoa(e.Order),
		})
		if err != nil {
			return fmt.Errorf("write codebook field %s: %w", e.Field, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatCell renders one canonical report value. Absent values are empty.
func FormatCell(typ occams.ColumnType, v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case decimal.Decimal:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if typ == occams.ColumnDate {
			return val.Format(occams.DateLayout)
		}
		return val.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(val, ";")
	}
	return fmt.Sprint(v)
}
